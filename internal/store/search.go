package store

import (
	"context"
	"strings"
)

const snippetRadius = 32

// SearchMessages performs a case-insensitive substring search on message bodies,
// newest first, optionally restricted to one conversation.
func (db *DB) SearchMessages(ctx context.Context, query string, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE kind = 'text' AND body LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: *m, Snippet: snippet(m.Body, query)})
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet marks the first match with << >> and trims the body around it.
func snippet(body, query string) string {
	i := strings.Index(strings.ToLower(body), strings.ToLower(query))
	if i < 0 || query == "" || i+len(query) > len(body) {
		return body
	}
	start, end := max(0, i-snippetRadius), min(len(body), i+len(query)+snippetRadius)
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(body[start:i])
	b.WriteString("<<")
	b.WriteString(body[i : i+len(query)])
	b.WriteString(">>")
	b.WriteString(body[i+len(query) : end])
	if end < len(body) {
		b.WriteString("...")
	}
	return b.String()
}

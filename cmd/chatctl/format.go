package main

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/matheus3301/worldchat/internal/rpc"
	"github.com/matheus3301/worldchat/internal/store"
)

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func formatStatus(w io.Writer, st *rpc.SyncStatus) {
	fmt.Fprintf(w, "Session:       %s\n", st.Session)
	fmt.Fprintf(w, "Remote:        %s\n", st.RemoteURL)
	fmt.Fprintf(w, "State:         %s (since %s)\n", st.State, formatTime(st.StateSinceMs))
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error:    %s\n", st.LastError)
	}
	fmt.Fprintf(w, "Conversations: %d\n", st.Conversations)
	fmt.Fprintf(w, "Messages:      %d\n", st.Messages)
	fmt.Fprintf(w, "Outbox:        %d pending, %d need attention\n", st.Pending, st.Parked)
	fmt.Fprintf(w, "Last merge:    %s\n", formatTime(st.LastMergeAt))
	fmt.Fprintf(w, "Uptime:        %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
}

func formatConversations(w io.Writer, convs []store.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tPARTICIPANTS\tLAST MESSAGE\tAT")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Kind, strings.Join(c.Participants, ","), truncate(c.LastMessage.Text, 40), formatTime(c.LastMessage.Timestamp))
	}
	_ = tw.Flush()
}

// formatMessages prints oldest first. newestFirst tells the order of msgs.
func formatMessages(w io.Writer, msgs []store.Message, newestFirst bool) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for i := range msgs {
		m := msgs[i]
		if newestFirst {
			m = msgs[len(msgs)-1-i]
		}
		fmt.Fprintf(w, "%s  %-12s %s  [%s]%s\n", formatTime(m.Timestamp), m.SenderID, messageText(m), statusLabel(m), readers(m))
	}
}

func messageText(m store.Message) string {
	if m.Kind == store.KindImage {
		return "[image] " + m.Body
	}
	return m.Body
}

func statusLabel(m store.Message) string {
	if m.Failure != "" {
		return "failed: " + m.Failure
	}
	return string(m.Status)
}

func readers(m store.Message) string {
	if len(m.ReadBy) == 0 {
		return ""
	}
	names := make([]string, 0, len(m.ReadBy))
	for u := range m.ReadBy {
		names = append(names, u)
	}
	slices.Sort(names)
	return " read by " + strings.Join(names, ",")
}

func formatSearch(w io.Writer, results []rpc.SearchResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No matches.")
		return
	}
	for _, r := range results {
		fmt.Fprintf(w, "%s  %s  %s: %s\n", formatTime(r.Message.Timestamp), r.Message.ConversationID, r.Message.SenderID, r.Snippet)
	}
}

func formatSend(w io.Writer, resp *rpc.SendResponse) {
	if resp.Queued {
		fmt.Fprintf(w, "%s queued (remote unavailable)\n", resp.Message.ID)
		return
	}
	fmt.Fprintf(w, "%s %s\n", resp.Message.ID, resp.Message.Status)
}

func formatOutbox(w io.Writer, items []rpc.OutboxItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "Outbox is empty.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MESSAGE\tCONVERSATION\tRETRIES\tNEXT ATTEMPT\tSTATE\tLAST ERROR")
	for _, it := range items {
		state := "pending"
		if it.Parked {
			state = "needs attention"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			it.QueueID, it.ConversationID, it.RetryCount, formatTime(it.NextAttemptAt), state, truncate(it.LastError, 60))
	}
	_ = tw.Flush()
}

func formatDrain(w io.Writer, r *rpc.DrainOutboxResponse) {
	if r.Coalesced {
		fmt.Fprintln(w, "A drain is already running.")
		return
	}
	fmt.Fprintf(w, "attempted %d: %d published, %d retrying, %d rejected, %d need attention, %d skipped\n",
		r.Attempted, r.Published, r.Retried, r.Rejected, r.Parked, r.Skipped)
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/worldchat/internal/bus"
	"github.com/matheus3301/worldchat/internal/outbox"
	"github.com/matheus3301/worldchat/internal/remote/remotetest"
	"github.com/matheus3301/worldchat/internal/status"
	"github.com/matheus3301/worldchat/internal/store"
	intsync "github.com/matheus3301/worldchat/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*gin.Engine, *intsync.Orchestrator, *remotetest.Memory, *status.Machine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mem := remotetest.NewMemory()
	q := outbox.New(db, mem, nil, outbox.Options{Jitter: func(time.Duration) time.Duration { return 0 }})
	b := bus.New()
	machine := status.NewMachine(b)
	orch := intsync.New(db, q, mem, nil, b, nil, intsync.Options{UserID: "me"})
	t.Cleanup(orch.Close)
	return newRouter(orch, machine), orch, mem, machine
}

func get(t *testing.T, r http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestAdminHealthz(t *testing.T) {
	r, _, _, machine := newTestRouter(t)

	w := get(t, r, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(status.Booting), body["state"])

	require.NoError(t, machine.Transition(status.Stopped))
	assert.Equal(t, http.StatusServiceUnavailable, get(t, r, "/healthz").Code)
}

func TestAdminOutboxAndStatus(t *testing.T) {
	r, orch, mem, _ := newTestRouter(t)
	mem.SetOffline(true)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m, err := orch.SendMessage(ctx, "c1", "queued", "")
	require.NoError(t, err)

	w := get(t, r, "/outbox")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items []struct {
			QueueID string `json:"queue_id"`
			Body    string `json:"body"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, m.ID, list.Items[0].QueueID)
	assert.Equal(t, "queued", list.Items[0].Body)

	w = get(t, r, "/outbox?attention=true")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list.Items)

	w = get(t, r, "/status")
	require.Equal(t, http.StatusOK, w.Code)
	var st map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, int64(1), st["pending"])
	assert.Equal(t, int64(1), st["messages"])
}

func TestAdminMetrics(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	w := get(t, r, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

package daemon

import (
	"context"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/worldchat/internal/config"
	"github.com/matheus3301/worldchat/internal/lock"
	"github.com/matheus3301/worldchat/internal/remote/remotetest"
	"github.com/matheus3301/worldchat/internal/rpc"
	"github.com/matheus3301/worldchat/internal/session"
	"github.com/matheus3301/worldchat/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

// shortHome points the session home at a short /tmp path to stay under the
// 104-char Unix socket limit on macOS.
func shortHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "wc-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.HomeEnv, dir)
	return dir
}

func testConfig(remoteURL string) *config.Config {
	cfg := config.Default()
	cfg.UserID = "me"
	cfg.Remote.URL = remoteURL
	cfg.Outbox.DrainSchedule = "@every 1h"
	return cfg
}

func TestModuleGraphIsComplete(t *testing.T) {
	shortHome(t)
	err := fx.ValidateApp(Module(Params{SessionName: "test", Config: testConfig("ws://127.0.0.1:1/ws")}))
	require.NoError(t, err)
}

func TestDaemonLifecycle(t *testing.T) {
	shortHome(t)
	mem := remotetest.NewMemory()
	remoteSrv := httptest.NewServer(remotetest.Handler(mem))
	defer remoteSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(remoteSrv.URL, "http")

	app := fxtest.New(t, Module(Params{SessionName: "test", Config: testConfig(wsURL)}))
	app.RequireStart()

	assert.True(t, lock.Held(session.Dir("test")))

	client, err := rpc.Dial(session.SocketPath("test"))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	ctx := context.Background()

	require.Eventually(t, func() bool {
		st, err := client.GetSyncStatus(ctx, &rpc.GetSyncStatusRequest{})
		return err == nil && st.State == string(status.Online)
	}, 5*time.Second, 20*time.Millisecond)

	conv, err := client.CreateConversation(ctx, &rpc.CreateConversationRequest{Kind: "group", Participants: []string{"bob", "carol"}})
	require.NoError(t, err)

	sent, err := client.SendText(ctx, &rpc.SendTextRequest{ConversationID: conv.Conversation.ID, Body: "hi all"})
	require.NoError(t, err)
	assert.False(t, sent.Queued)
	assert.NotNil(t, mem.MessageOf(conv.Conversation.ID, sent.Message.ID))

	st, err := client.GetSyncStatus(ctx, &rpc.GetSyncStatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, "test", st.Session)
	assert.Equal(t, wsURL, st.RemoteURL)
	assert.Equal(t, int64(1), st.Conversations)
	assert.Equal(t, int64(1), st.Messages)
	assert.Zero(t, st.Pending)

	app.RequireStop()
	assert.False(t, lock.Held(session.Dir("test")))
	_, err = os.Stat(session.SocketPath("test"))
	assert.True(t, os.IsNotExist(err), "socket should be removed on stop")
}

func TestDaemonQueuesWhileRemoteIsDown(t *testing.T) {
	shortHome(t)
	mem := remotetest.NewMemory()
	remoteSrv := httptest.NewServer(remotetest.Handler(mem))
	wsURL := "ws" + strings.TrimPrefix(remoteSrv.URL, "http")
	remoteSrv.Close()

	app := fxtest.New(t, Module(Params{SessionName: "test", Config: testConfig(wsURL)}))
	app.RequireStart()
	defer app.RequireStop()

	client, err := rpc.Dial(session.SocketPath("test"))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	ctx := context.Background()

	sent, err := client.SendText(ctx, &rpc.SendTextRequest{ConversationID: "c1", Body: "offline"})
	require.NoError(t, err)
	assert.True(t, sent.Queued)

	list, err := client.ListOutbox(ctx, &rpc.ListOutboxRequest{})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, sent.Message.ID, list.Items[0].QueueID)
}

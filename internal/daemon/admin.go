package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/worldchat/internal/api"
	"github.com/matheus3301/worldchat/internal/config"
	"github.com/matheus3301/worldchat/internal/rpc"
	"github.com/matheus3301/worldchat/internal/status"
	intsync "github.com/matheus3301/worldchat/internal/sync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AdminServer serves health, metrics and outbox inspection over HTTP. It is
// disabled when no address is configured.
type AdminServer struct {
	addr   string
	srv    *http.Server
	logger *zap.Logger
}

func NewAdminServer(cfg *config.Config, orch *intsync.Orchestrator, machine *status.Machine, logger *zap.Logger) *AdminServer {
	a := &AdminServer{addr: cfg.Admin.Addr, logger: logger}
	if a.addr != "" {
		a.srv = &http.Server{
			Handler:           newRouter(orch, machine),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a
}

func newRouter(orch *intsync.Orchestrator, machine *status.Machine) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		state, since, lastErr := machine.Snapshot()
		code := http.StatusOK
		if state == status.Stopped {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"state":          state,
			"state_since_ms": since.UnixMilli(),
			"last_error":     lastErr,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/status", func(c *gin.Context) {
		st, err := orch.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"conversations": st.Conversations,
			"messages":      st.Messages,
			"pending":       st.Pending,
			"parked":        st.Parked,
			"last_merge_at": st.LastMergeAt,
		})
	})

	r.GET("/outbox", func(c *gin.Context) {
		list := orch.Outbox
		if c.Query("attention") == "true" {
			list = orch.NeedsAttention
		}
		items, err := list(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]rpc.OutboxItem, 0, len(items))
		for _, it := range items {
			out = append(out, api.OutboxItem(it))
		}
		c.JSON(http.StatusOK, gin.H{"items": out})
	})

	return r
}

// Start binds the listener and serves in the background.
func (a *AdminServer) Start() error {
	if a.srv == nil {
		return nil
	}
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listen admin %s: %w", a.addr, err)
	}
	a.logger.Info("admin server starting", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("admin server error", zap.Error(err))
		}
	}()
	return nil
}

func (a *AdminServer) Stop(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

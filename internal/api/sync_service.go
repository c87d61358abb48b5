package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/worldchat/internal/bus"
	"github.com/matheus3301/worldchat/internal/outbox"
	"github.com/matheus3301/worldchat/internal/rpc"
	"github.com/matheus3301/worldchat/internal/status"
	intsync "github.com/matheus3301/worldchat/internal/sync"
	"go.uber.org/zap"
)

// SyncService implements rpc.SyncServer: connection state, cache counts and
// outbox control.
type SyncService struct {
	orch        *intsync.Orchestrator
	machine     *status.Machine
	bus         *bus.Bus
	logger      *zap.Logger
	sessionName string
	remoteURL   string
	startedAt   time.Time
}

var _ rpc.SyncServer = (*SyncService)(nil)

// NewSyncService creates a new sync service.
func NewSyncService(orch *intsync.Orchestrator, machine *status.Machine, b *bus.Bus, logger *zap.Logger, sessionName, remoteURL string) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		orch:        orch,
		machine:     machine,
		bus:         b,
		logger:      logger,
		sessionName: sessionName,
		remoteURL:   remoteURL,
		startedAt:   time.Now(),
	}
}

func (s *SyncService) GetSyncStatus(ctx context.Context, _ *rpc.GetSyncStatusRequest) (*rpc.SyncStatus, error) {
	st, err := s.orch.Status(ctx)
	if err != nil {
		return nil, toStatus("sync status", err)
	}
	state, since, lastErr := s.machine.Snapshot()
	return &rpc.SyncStatus{
		Session:       s.sessionName,
		RemoteURL:     s.remoteURL,
		State:         string(state),
		StateSinceMs:  since.UnixMilli(),
		LastError:     lastErr,
		Conversations: st.Conversations,
		Messages:      st.Messages,
		Pending:       st.Pending,
		Parked:        st.Parked,
		LastMergeAt:   st.LastMergeAt,
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
	}, nil
}

func (s *SyncService) DrainOutbox(ctx context.Context, req *rpc.DrainOutboxRequest) (*rpc.DrainOutboxResponse, error) {
	report, err := s.orch.DrainOutbox(ctx, req.Force)
	if err != nil {
		return nil, toStatus("drain outbox", err)
	}
	return &rpc.DrainOutboxResponse{
		Coalesced: report.Coalesced,
		Attempted: report.Attempted,
		Published: report.Published,
		Retried:   report.Retried,
		Rejected:  report.Rejected,
		Parked:    report.Parked,
		Skipped:   report.Skipped,
		Errors:    report.Errors,
	}, nil
}

func (s *SyncService) ListOutbox(ctx context.Context, req *rpc.ListOutboxRequest) (*rpc.ListOutboxResponse, error) {
	var (
		items []outbox.Item
		err   error
	)
	if req.NeedsAttention {
		items, err = s.orch.NeedsAttention(ctx)
	} else {
		items, err = s.orch.Outbox(ctx)
	}
	if err != nil {
		return nil, toStatus("list outbox", err)
	}
	out := make([]rpc.OutboxItem, 0, len(items))
	for _, it := range items {
		out = append(out, OutboxItem(it))
	}
	return &rpc.ListOutboxResponse{Items: out}, nil
}

// OutboxItem converts a queue item to its wire form.
func OutboxItem(it outbox.Item) rpc.OutboxItem {
	item := rpc.OutboxItem{
		QueueID:        it.QueueID,
		ConversationID: it.ConversationID,
		Body:           it.Payload.Body,
		RetryCount:     it.RetryCount,
		CreatedAt:      it.CreatedAt,
		NextAttemptAt:  it.NextAttemptAt,
		Parked:         it.Parked,
		LastError:      it.LastError,
	}
	if it.LastAttemptAt != nil {
		item.LastAttemptAt = *it.LastAttemptAt
	}
	return item
}

func (s *SyncService) ResendMessage(ctx context.Context, req *rpc.ResendMessageRequest) (*rpc.Empty, error) {
	if err := s.orch.Resend(ctx, req.MessageID); err != nil {
		return nil, toStatus("resend message", err)
	}
	return &rpc.Empty{}, nil
}

func (s *SyncService) WatchEvents(req *rpc.WatchEventsRequest, stream rpc.SyncEventsServer) error {
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.logger.Debug("event payload not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				payload = nil
			}
			if err := stream.Send(&rpc.EventEnvelope{
				EventID:      uuid.NewString(),
				Session:      s.sessionName,
				OccurredAtMs: evt.Timestamp.UnixMilli(),
				Kind:         evt.Kind,
				Payload:      payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

package api

import (
	"errors"

	"github.com/matheus3301/worldchat/internal/outbox"
	"github.com/matheus3301/worldchat/internal/remote"
	"github.com/matheus3301/worldchat/internal/store"
	intsync "github.com/matheus3301/worldchat/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps core errors to gRPC status codes.
func toStatus(op string, err error) error {
	var rejected *intsync.RejectedError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, outbox.ErrNotQueued):
		return grpcstatus.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, intsync.ErrInvalidConversation), errors.Is(err, store.ErrParticipantsImmutable):
		return grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, intsync.ErrUpload):
		return grpcstatus.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	case errors.As(err, &rejected):
		return grpcstatus.Errorf(codes.Aborted, "%s: %v", op, err)
	case remote.Classify(err) == remote.ClassTransient:
		return grpcstatus.Errorf(codes.Unavailable, "%s: %v", op, err)
	default:
		return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

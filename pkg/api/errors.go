package api

import (
	"errors"

	"github.com/cuemby/perpetual/pkg/manager"
	"github.com/cuemby/perpetual/pkg/registry"
	"github.com/cuemby/perpetual/pkg/storage"
	"github.com/cuemby/perpetual/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps manager errors to gRPC status codes. Errors that already
// carry a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, types.ErrTaskNotFound), errors.Is(err, storage.ErrWorkerNotFound):
		code = codes.NotFound
	case errors.Is(err, manager.ErrInvalidArgument),
		errors.Is(err, types.ErrInvalidSchedule),
		errors.Is(err, types.ErrInvalidClientContext),
		errors.Is(err, types.ErrMalformedBundle),
		errors.Is(err, registry.ErrUnknownTaskType):
		code = codes.InvalidArgument
	case errors.Is(err, manager.ErrNoAccount),
		errors.Is(err, manager.ErrInvalidToken),
		errors.Is(err, manager.ErrTokenExpired):
		code = codes.Unauthenticated
	case errors.Is(err, manager.ErrNotLeader):
		code = codes.Unavailable
	case errors.Is(err, types.ErrAssignmentInvariant):
		code = codes.FailedPrecondition
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

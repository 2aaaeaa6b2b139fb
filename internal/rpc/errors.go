package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/remote"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ToStatus maps store errors to gRPC status errors on the server side.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, remote.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, remote.ErrMalformed):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

// FromStatus maps a gRPC error back onto the remote sentinel errors. Codes
// with no sentinel count as transient.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", remote.ErrNotFound, st.Message())
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %s", remote.ErrForbidden, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", remote.ErrMalformed, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %w", remote.ErrUnavailable, context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", remote.ErrUnavailable, context.DeadlineExceeded)
	default:
		return fmt.Errorf("%w: %s", remote.ErrUnavailable, st.Message())
	}
}

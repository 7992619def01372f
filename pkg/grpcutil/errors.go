package grpcutil

import (
	"context"
	"errors"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// InvalidArgumentError creates an INVALID_ARGUMENT gRPC error.
func InvalidArgumentError(reason string) error {
	return status.Errorf(codes.InvalidArgument, "invalid request: %s", reason)
}

// UnauthenticatedError creates an UNAUTHENTICATED gRPC error.
func UnauthenticatedError(reason string) error {
	if reason == "" {
		reason = "authentication required"
	}
	return status.Error(codes.Unauthenticated, reason)
}

// ResourceExhaustedError creates a RESOURCE_EXHAUSTED gRPC error. A positive
// retryAfter is attached as a RetryInfo detail.
func ResourceExhaustedError(reason string, retryAfter time.Duration) error {
	st := status.New(codes.ResourceExhausted, reason)
	if retryAfter <= 0 {
		return st.Err()
	}
	withInfo, err := st.WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(retryAfter)})
	if err != nil {
		return st.Err()
	}
	return withInfo.Err()
}

// InternalError creates an INTERNAL gRPC error.
func InternalError(err error) error {
	return status.Errorf(codes.Internal, "internal error: %v", err)
}

// ContextError maps a context error to CANCELED or DEADLINE_EXCEEDED.
func ContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Canceled, err.Error())
}

// RetryDelay returns the RetryInfo delay carried by a status error, if any.
func RetryDelay(err error) (time.Duration, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return 0, false
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			return info.GetRetryDelay().AsDuration(), true
		}
	}
	return 0, false
}

// IsInvalidArgument checks if an error is an INVALID_ARGUMENT error.
func IsInvalidArgument(err error) bool {
	return status.Code(err) == codes.InvalidArgument
}

// IsUnauthenticated checks if an error is an UNAUTHENTICATED error.
func IsUnauthenticated(err error) bool {
	return status.Code(err) == codes.Unauthenticated
}

// IsResourceExhausted checks if an error is a RESOURCE_EXHAUSTED error.
func IsResourceExhausted(err error) bool {
	return status.Code(err) == codes.ResourceExhausted
}

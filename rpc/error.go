package rpc

import (
	"context"
	"errors"

	"github.com/mohitkumar/streamflow/persistence"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func withMessage(st *status.Status, msg string) *status.Status {
	d := &errdetails.LocalizedMessage{
		Locale:  "en-US",
		Message: msg,
	}
	std, err := st.WithDetails(d)
	if err != nil {
		return st
	}
	return std
}

// ToStatus maps the storage errors to gRPC codes. Errors that already carry
// a status pass through.
func ToStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	var notFound persistence.NotFoundError
	var conditionFailed persistence.ConditionFailedError
	var storage persistence.StorageLayerError
	switch {
	case errors.As(err, &notFound):
		return withMessage(status.New(codes.NotFound, err.Error()), err.Error())
	case errors.As(err, &conditionFailed):
		return withMessage(status.New(codes.FailedPrecondition, err.Error()), err.Error())
	case errors.As(err, &storage):
		return withMessage(status.New(codes.Internal, err.Error()), "error in underline storage layer")
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	default:
		return status.New(codes.Unknown, err.Error())
	}
}

func errorUnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return nil, ToStatus(err).Err()
	}
	return resp, nil
}

func errorStreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := handler(srv, ss); err != nil {
		return ToStatus(err).Err()
	}
	return nil
}

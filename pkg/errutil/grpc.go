package errutil

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"
)

// ErrorDomain names this service in google.rpc.ErrorInfo details.
const ErrorDomain = "connectreward"

// GRPCCode converts the CoreStatus to its closest gRPC status code.
// Conflicts map to Aborted: they come from optimistic ledger writes and the
// whole operation can be retried.
func (s CoreStatus) GRPCCode() codes.Code {
	switch s {
	case StatusUnauthorized:
		return codes.Unauthenticated
	case StatusForbidden:
		return codes.PermissionDenied
	case StatusNotFound:
		return codes.NotFound
	case StatusTimeout, StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case StatusUnprocessableEntity:
		return codes.FailedPrecondition
	case StatusUnsupportedMediaType, StatusBadRequest, StatusValidationFailed:
		return codes.InvalidArgument
	case StatusConflict:
		return codes.Aborted
	case StatusTooManyRequests:
		return codes.ResourceExhausted
	case StatusClientClosedRequest:
		return codes.Canceled
	case StatusNotImplemented:
		return codes.Unimplemented
	case StatusBadGateway, StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// ToGRPCError turns a domain error into a gRPC status. BaseError details
// travel as google.rpc.BadRequest field violations and the CoreStatus as the
// ErrorInfo reason. Internal errors expose only their message, never the
// wrapped storage error.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var base BaseError
	if errors.As(err, &base) {
		msg := base.messageWithErr()
		if base.Code.GRPCCode() == codes.Internal {
			msg = base.Message
		}
		return withDetails(status.New(base.Code.GRPCCode(), msg), base.Code, base.Details)
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return withDetails(status.New(codes.NotFound, "record not found"), StatusNotFound, nil)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return withDetails(status.New(codes.Aborted, "concurrent write"), StatusConflict, nil)
	}

	return status.Error(codes.Internal, "internal error")
}

func withDetails(st *status.Status, code CoreStatus, details []Detail) error {
	info := &errdetails.ErrorInfo{Reason: string(code), Domain: ErrorDomain}
	if len(details) == 0 {
		if withInfo, err := st.WithDetails(info); err == nil {
			return withInfo.Err()
		}
		return st.Err()
	}

	br := &errdetails.BadRequest{}
	for _, d := range details {
		br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
			Field:       d.Field,
			Description: d.Message,
		})
	}
	if withInfo, err := st.WithDetails(info, br); err == nil {
		return withInfo.Err()
	}
	return st.Err()
}

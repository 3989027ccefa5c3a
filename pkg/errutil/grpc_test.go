package errutil

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"
)

func TestToGRPCError(t *testing.T) {
	errBalance := errors.New("balance")

	cases := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"not found", NotFound("account not found", nil), codes.NotFound},
		{"forbidden", Forbidden("plan limit", nil), codes.PermissionDenied},
		{"unprocessable", UnprocessableEntity("insufficient balance", errBalance), codes.FailedPrecondition},
		{"validation", ValidationFailed("bad amount", nil), codes.InvalidArgument},
		{"conflict", Conflict("account changed concurrently", nil), codes.Aborted},
		{"wrapped", fmt.Errorf("redeem: %w", NotFound("reward not found", nil)), codes.NotFound},
		{"record not found", fmt.Errorf("lookup: %w", gorm.ErrRecordNotFound), codes.NotFound},
		{"duplicate key", gorm.ErrDuplicatedKey, codes.Aborted},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"plain", errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, ok := status.FromError(ToGRPCError(tc.err))
			require.True(t, ok)
			require.Equal(t, tc.code, st.Code())
		})
	}

	require.NoError(t, ToGRPCError(nil))
}

func TestToGRPCErrorCarriesDetails(t *testing.T) {
	err := ValidationFailed("account_id is required", errors.New("validation error"),
		WithDetails(Detail{Field: "account_id", Message: "must not be empty"}))

	st, ok := status.FromError(ToGRPCError(err))
	require.True(t, ok)
	require.Equal(t, codes.InvalidArgument, st.Code())

	var info *errdetails.ErrorInfo
	var br *errdetails.BadRequest
	for _, d := range st.Details() {
		switch v := d.(type) {
		case *errdetails.ErrorInfo:
			info = v
		case *errdetails.BadRequest:
			br = v
		}
	}
	require.NotNil(t, info)
	require.Equal(t, string(StatusValidationFailed), info.Reason)
	require.Equal(t, ErrorDomain, info.Domain)
	require.NotNil(t, br)
	require.Len(t, br.FieldViolations, 1)
	require.Equal(t, "account_id", br.FieldViolations[0].Field)
}

func TestToGRPCErrorHidesStorageCause(t *testing.T) {
	err := Internal("failed to update account balance", errors.New("pq: relation accounts does not exist"))

	st, ok := status.FromError(ToGRPCError(err))
	require.True(t, ok)
	require.Equal(t, codes.Internal, st.Code())
	require.Equal(t, "failed to update account balance", st.Message())

	st, _ = status.FromError(ToGRPCError(errors.New("dial tcp 10.0.0.3:5432: connection refused")))
	require.Equal(t, "internal error", st.Message())
}

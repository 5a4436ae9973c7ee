package matrix_test

import (
	"errors"
	"fmt"
	"testing"

	"maunium.net/go/mautrix"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/errtype"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want errtype.Category
	}{
		{
			name: "user in use is a conflict",
			err:  fmt.Errorf("register: %w", mautrix.MUserInUse),
			want: errtype.Conflict,
		},
		{
			name: "unknown token is auth",
			err:  fmt.Errorf("send: %w", mautrix.MUnknownToken),
			want: errtype.Auth,
		},
		{
			name: "missing token is auth",
			err:  fmt.Errorf("send: %w", mautrix.MMissingToken),
			want: errtype.Auth,
		},
		{
			name: "plain forbidden stays forbidden",
			err:  fmt.Errorf("state: %w", mautrix.MForbidden),
			want: errtype.Forbidden,
		},
		{
			name: "already-in-the-room forbidden is a conflict",
			err:  fmt.Errorf("invite: %w", mautrix.RespError{ErrCode: "M_FORBIDDEN", Err: "@u:example.com is already in the room."}),
			want: errtype.Conflict,
		},
		{
			name: "not found",
			err:  fmt.Errorf("state: %w", mautrix.MNotFound),
			want: errtype.NotFound,
		},
		{
			name: "rate limit is transient",
			err:  fmt.Errorf("send: %w", mautrix.MLimitExceeded),
			want: errtype.Transient,
		},
		{
			name: "transport error is transient",
			err:  errors.New("dial tcp: connection refused"),
			want: errtype.Transient,
		},
		{
			name: "pre-classified error passes through",
			err:  errtype.Wrap(errtype.Fatal, errors.New("bad config")),
			want: errtype.Fatal,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := matrix.ClassifyError(tc.err); got != tc.want {
				t.Errorf("ClassifyError(%v): got %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

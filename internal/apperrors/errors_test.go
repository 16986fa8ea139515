package apperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with cause",
			err:  &Error{Type: MalformedToken, Message: "bad segment count", Cause: errors.New("want 3 parts, got 2")},
			want: "malformed_token: bad segment count: want 3 parts, got 2",
		},
		{
			name: "without cause",
			err:  &Error{Type: UnknownKey, Message: "kid not found"},
			want: "unknown_key: kid not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := New(Upstream, "fetch failed", cause)

	require.Equal(t, cause, err.Unwrap())
	require.True(t, errors.Is(err, cause))

	noCause := New(Upstream, "fetch failed", nil)
	require.Nil(t, noCause.Unwrap())
}

func TestError_IsMatchesByType(t *testing.T) {
	a := New(SignatureInvalid, "bad sig", errors.New("x"))
	b := New(SignatureInvalid, "different message", nil)
	c := New(MissingClaim, "bad sig", errors.New("x"))

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

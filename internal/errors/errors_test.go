package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPollErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"auth matches unauthorized", WrapAuthError("list_events", "cloudstack", errors.New("bad signature"), 401), ErrUnauthorized, true},
		{"connection matches connection failed", WrapConnectionError("list_volumes", "cloudstack", errors.New("refused")), ErrConnectionFailed, true},
		{"decode matches malformed response", WrapDecodeError("list_events", "cloudstack", errors.New("eof")), ErrMalformedResponse, true},
		{"persistence matches persistence", WrapPersistenceError("save_checkpoint", "cloudstack", errors.New("disk full")), ErrPersistence, true},
		{"validation matches invalid config", NewValidationError("config", "interval too small"), ErrInvalidConfig, true},
		{"api does not match auth", WrapAPIError("list_events", "cloudstack", errors.New("boom"), 530), ErrUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestPollErrorUnwrapsThroughFmt(t *testing.T) {
	base := errors.New("socket closed")
	err := fmt.Errorf("tick: %w", WrapConnectionError("list_events", "cs", base))

	assert.True(t, errors.Is(err, base))
	assert.Equal(t, ErrorTypeConnection, TypeOf(err))
	assert.Contains(t, err.Error(), "list_events failed on cs")
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(WrapConnectionError("op", "", errors.New("x"))))
	assert.True(t, IsRetryableError(WrapTimeoutError("op", "", errors.New("x"))))
	assert.True(t, IsRetryableError(WrapAPIError("op", "", errors.New("x"), 503)))
	assert.True(t, IsRetryableError(WrapAPIError("op", "", errors.New("x"), 429)))
	assert.False(t, IsRetryableError(WrapAPIError("op", "", errors.New("x"), 431)))
	assert.False(t, IsRetryableError(WrapAuthError("op", "", errors.New("x"), 401)))
	assert.False(t, IsRetryableError(errors.New("plain")))
}

func TestIsAuthError(t *testing.T) {
	assert.False(t, IsAuthError(nil))
	assert.True(t, IsAuthError(WrapAuthError("op", "", errors.New("x"), 401)))
	assert.True(t, IsAuthError(WrapAPIError("op", "", errors.New("x"), 432)))
	assert.True(t, IsAuthError(errors.New("unable to verify user credentials and/or request signature")))
	assert.False(t, IsAuthError(WrapAPIError("op", "", errors.New("x"), 431)))
}

func TestTypeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorTypeInternal, TypeOf(errors.New("x")))
}

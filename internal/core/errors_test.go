package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"not found wrapped", fmt.Errorf("producer p1: %w", ErrNotFound), "not_found"},
		{"incompatible", ErrIncompatible, "incompatible"},
		{"invalid state", ErrInvalidState, "invalid_state"},
		{"fatal", ErrEngineFatal, "engine_fatal"},
		{"engine failure", NewEngineError("produce", errors.New("boom")), "engine_failure"},
		{"engine incompatible", NewEngineError("produce", fmt.Errorf("no ssrc: %w", ErrIncompatible)), "incompatible"},
		{"rate limited", ErrRateLimited, "rate_limited"},
		{"unknown", errors.New("x"), "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ErrorCode(tc.err))
		})
	}
}

func TestEngineErrorUnwrap(t *testing.T) {
	inner := errors.New("dtls")
	err := NewEngineError("connect", inner)
	assert.ErrorIs(t, err, inner)
	assert.EqualError(t, err, "engine connect: dtls")
	assert.NoError(t, NewEngineError("connect", nil))
}

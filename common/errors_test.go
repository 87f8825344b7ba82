package common

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeType string

func (f fakeType) String() string { return string(f) }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, KindNone},
		{"launch", &LaunchError{Binary: "openvpn", Err: errors.New("not found")}, KindLaunch},
		{"unsupported", &UnsupportedProtocolError{Type: fakeType("SSTP")}, KindUnsupportedProtocol},
		{"auth", &AuthenticationError{Provider: "openvpn"}, KindAuthentication},
		{"engine", &EngineError{Op: "engage", Code: 1}, KindEngine},
		{"cancelled", fmt.Errorf("dial: %w", ErrCancelled), KindCancelled},
		{"provider", NewProviderError("openvpn", "fatal: %s", "boom"), KindProvider},
		{"provider wrapping auth", &ProviderError{Provider: "ikev2", Err: &AuthenticationError{Provider: "ikev2"}}, KindAuthentication},
		{"other", errors.New("plain"), KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	launch := &LaunchError{Binary: "openvpn", Err: errors.New("exec: not found")}
	assert.ErrorIs(t, launch, ErrLaunchFailure)
	assert.Contains(t, launch.Error(), "exec: not found")

	var engine *EngineError
	wrapped := fmt.Errorf("engage: %w", &EngineError{Op: "engage", Code: 5})
	if assert.ErrorAs(t, wrapped, &engine) {
		assert.Equal(t, 5, engine.Code)
	}
	assert.ErrorIs(t, wrapped, ErrEngineFailure)
	assert.NotErrorIs(t, wrapped, ErrProviderFailure)
}

func TestWrapError(t *testing.T) {
	wrapped := WrapError(ErrNotConnected, "additional context")

	if wrapped == nil {
		t.Fatal("WrapError should return non-nil error")
	}
	if !strings.Contains(wrapped.Error(), "additional context") {
		t.Error("WrapError should include additional context")
	}
	if !errors.Is(wrapped, ErrNotConnected) {
		t.Error("WrapError should unwrap to the original error")
	}
	if WrapError(nil, "context") != nil {
		t.Error("WrapError(nil) should return nil")
	}
}

func TestSecret_Wipe(t *testing.T) {
	buf := []byte("hunter2")
	s := NewSecretBytes(buf)

	assert.Equal(t, "hunter2", s.String())
	assert.False(t, s.Wiped())

	s.Wipe()

	assert.True(t, s.Wiped())
	assert.Equal(t, make([]byte, len(buf)), buf, "backing array must be zeroed")

	var nilSecret *Secret
	nilSecret.Wipe()
	assert.True(t, nilSecret.Wiped())
}

func TestRetryWithResult(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}

	calls := 0
	got, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, fmt.Errorf("attempt %d", calls)
	})
	assert.EqualError(t, err, "attempt 4")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = RetryWithResult(ctx, cfg, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

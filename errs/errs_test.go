package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New("exchange/rest", CodeNetwork,
		WithMessage("depth snapshot failed"),
		WithHTTP(0),
		WithCause(cause),
	)

	text := err.Error()
	for _, want := range []string{"component=exchange/rest", "code=network", `message="depth snapshot failed"`, "connection refused"} {
		if !strings.Contains(text, want) {
			t.Fatalf("Error() = %q, missing %q", text, want)
		}
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose cause")
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("submit order: %w", New("broker/orders", CodeExchange, WithHTTP(400)))
	if got := CodeOf(wrapped); got != CodeExchange {
		t.Fatalf("CodeOf() = %q, want %q", got, CodeExchange)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("CodeOf(plain) = %q, want empty", got)
	}
}

func TestIsTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled context", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"reset text", errors.New("read tcp 127.0.0.1:80: connection reset by peer"), true},
		{"refused text", errors.New("dial tcp: ECONNREFUSED"), true},
		{"unknown host", &net.DNSError{Err: "no such host", Name: "stream.example.com"}, true},
		{"socket disconnected", errors.New("socket disconnected before secure TLS connection was established"), true},
		{"typed network", New("ws", CodeNetwork), true},
		{"typed exchange reject", New("rest", CodeExchange, WithHTTP(400)), false},
		{"typed invalid", New("server", CodeInvalid), false},
		{"order reject text", errors.New("Account has insufficient balance"), false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("%s: IsTransient() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestTransientSurvivesWrapping(t *testing.T) {
	inner := New("ws/market", CodeNetwork, WithMessage("dial failed"))
	wrapped := fmt.Errorf("connect attempt 2: %w", inner)
	if !IsTransient(wrapped) {
		t.Fatalf("expected wrapped network error to remain transient")
	}
}

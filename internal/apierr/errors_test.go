package apierr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := New(KindRateLimit, "transport.send", "slow down")
	wrapped := fmt.Errorf("ask: %w", base)

	if got := KindOf(wrapped); got != KindRateLimit {
		t.Errorf("expected rate_limit, got %s", got)
	}
	if !Is(wrapped, KindRateLimit) {
		t.Error("expected Is to match rate_limit")
	}
	if Is(wrapped, KindNetwork) {
		t.Error("did not expect network kind")
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("expected unknown for plain errors")
	}
}

func TestErrorsIsByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Wrap(KindNetwork, "transport.send", errors.New("reset by peer")))
	if !errors.Is(err, &Error{Kind: KindNetwork}) {
		t.Error("expected errors.Is to match by kind")
	}
	if errors.Is(err, &Error{Kind: KindNetwork, Op: "other"}) {
		t.Error("op mismatch should not match")
	}
}

func TestErrorMessage(t *testing.T) {
	e := &Error{Kind: KindAuthentication, Op: "transport.send", Msg: "expired", Status: 401, RequestID: "abc"}
	msg := e.Error()
	for _, want := range []string{"transport.send", "authentication", "expired", "status 401", "request abc"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}

func TestRetryableAndEscalatable(t *testing.T) {
	tests := []struct {
		kind       Kind
		retry      bool
		escalation bool
	}{
		{KindNetwork, true, true},
		{KindRateLimit, false, false},
		{KindInvalidParameter, false, false},
		{KindBotProtection, false, true},
		{KindAuthentication, false, true},
	}
	for _, tt := range tests {
		err := New(tt.kind, "op", "")
		if Retryable(err) != tt.retry {
			t.Errorf("%s: expected retryable=%v", tt.kind, tt.retry)
		}
		if Escalatable(err) != tt.escalation {
			t.Errorf("%s: expected escalatable=%v", tt.kind, tt.escalation)
		}
	}
}

package failure

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"tagged transport", New(Transport, "infer", errors.New("boom")), Transport},
		{"tagged rate limited", New(RateLimited, "infer", errors.New("429")), RateLimited},
		{"wrapped tag", fmt.Errorf("outer: %w", New(Malformed, "parse", errors.New("bad json"))), Malformed},
		{"missing file", &fs.PathError{Op: "open", Path: "/nope", Err: os.ErrNotExist}, FileNotFound},
		{"deadline", fmt.Errorf("calling: %w", context.DeadlineExceeded), Transport},
		{"net error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, Transport},
		{"plain", errors.New("disk full"), Internal},
		{"nil", nil, Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	for _, k := range []Kind{Transport, RateLimited} {
		if !Retryable(k) {
			t.Errorf("%v should be retryable", k)
		}
	}
	for _, k := range []Kind{Malformed, FileNotFound, Rejected, Internal} {
		if Retryable(k) {
			t.Errorf("%v should not be retryable", k)
		}
	}
}

func TestPermanent(t *testing.T) {
	if !Permanent(New(Rejected, "infer", errors.New("400"))) {
		t.Error("rejected should be permanent")
	}
	if Permanent(errors.New("storage")) {
		t.Error("internal should not be permanent")
	}
	if Permanent(New(Transport, "infer", errors.New("timeout"))) {
		t.Error("transport should not be permanent")
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := New(Transport, "infer", inner)
	if !errors.Is(err, inner) {
		t.Error("errors.Is should see the wrapped cause")
	}
	if got := err.Error(); got != "infer: transport: root cause" {
		t.Errorf("Error() = %q", got)
	}
	if New(Transport, "x", nil) != nil {
		t.Error("New with nil error should return nil")
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{429, RateLimited},
		{500, Transport},
		{503, Transport},
		{408, Transport},
		{400, Rejected},
		{401, Rejected},
		{404, Rejected},
	}
	for _, tt := range tests {
		err := FromStatus("infer", tt.status, "body")
		if got := KindOf(err); got != tt.want {
			t.Errorf("FromStatus(%d) kind = %v, want %v", tt.status, got, tt.want)
		}
	}
}

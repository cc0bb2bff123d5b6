package scrape

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		label      string
		kind       constants.FailureKind
	}{
		{name: "nil", err: nil, statusCode: 0, label: "unknown", kind: constants.FailureTransient},
		{name: "context timeout", err: context.DeadlineExceeded, label: "timeout", kind: constants.FailureTransient},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, label: "timeout", kind: constants.FailureTransient},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, label: "connection", kind: constants.FailureTransient},
		{name: "rate limited", statusCode: http.StatusTooManyRequests, label: "rate_limited", kind: constants.FailureTransient},
		{name: "bad gateway", statusCode: http.StatusBadGateway, label: "unavailable", kind: constants.FailureTransient},
		{name: "not found", statusCode: http.StatusNotFound, label: "rejected", kind: constants.FailurePermanent},
		{name: "unprocessable", statusCode: http.StatusUnprocessableEntity, label: "rejected", kind: constants.FailurePermanent},
		{name: "other", err: errors.New("some other error"), label: "other", kind: constants.FailureTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := ClassifyError(tt.err, tt.statusCode)
			if got := ErrorLabel(classified); got != tt.label {
				t.Fatalf("ErrorLabel(ClassifyError(%v, %d)) = %q, want %q", tt.err, tt.statusCode, got, tt.label)
			}
			if classified == nil {
				return
			}
			if got := FailureKind(classified); got != tt.kind {
				t.Fatalf("FailureKind = %q, want %q", got, tt.kind)
			}
		})
	}
}

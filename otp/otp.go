package otp

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Issued identifies one issued code. The code itself travels only over
// the delivery channel, never through the return value.
type Issued struct {
	ID        string
	ExpiresAt time.Time
}

// Service gates sensitive actions behind short-lived, single-use codes.
// A code is consumed only on successful verification; expiry and
// already-consumed both surface as a plain rejection, requiring a fresh
// issue cycle rather than a retry of the stale code.
type Service interface {
	Issue(ctx context.Context, destination, purpose string) (Issued, error)
	Verify(ctx context.Context, destination, purpose, code string) (bool, error)
}

// Sender delivers a code to a destination. SMS/email transports live
// behind this interface and outside this module.
type Sender interface {
	Send(ctx context.Context, destination, code string) error
}

// LogSender writes codes to the log. Development only.
type LogSender struct{}

func (LogSender) Send(_ context.Context, destination, code string) error {
	log.WithFields(log.Fields{
		"destination": destination,
		"code":        code,
	}).Warn("delivering one-time code via log output; configure a real sender for production")
	return nil
}

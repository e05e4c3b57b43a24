package otp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureSender struct {
	lastCode string
}

func (c *captureSender) Send(_ context.Context, _ string, code string) error {
	c.lastCode = code
	return nil
}

func TestIssueAndVerifySingleUse(t *testing.T) {
	sender := &captureSender{}
	svc := NewMemoryService(5*time.Minute, sender)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "+37060000001", "vote-confirmation")
	require.NoError(t, err)
	require.NotEmpty(t, issued.ID)
	require.Len(t, sender.lastCode, codeDigits)

	ok, err := svc.Verify(ctx, "+37060000001", "vote-confirmation", sender.lastCode)
	require.NoError(t, err)
	require.True(t, ok)

	// Consumed on success; the same code never verifies twice.
	ok, err = svc.Verify(ctx, "+37060000001", "vote-confirmation", sender.lastCode)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyWrongCodeDoesNotConsume(t *testing.T) {
	sender := &captureSender{}
	svc := NewMemoryService(5*time.Minute, sender)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "dest", "vote-confirmation")
	require.NoError(t, err)

	ok, err := svc.Verify(ctx, "dest", "vote-confirmation", "000000x")
	require.NoError(t, err)
	require.False(t, ok)

	// The real code still works after a failed attempt.
	ok, err = svc.Verify(ctx, "dest", "vote-confirmation", sender.lastCode)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyExpiredCode(t *testing.T) {
	sender := &captureSender{}
	svc := NewMemoryService(time.Minute, sender)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "dest", "vote-confirmation")
	require.NoError(t, err)

	svc.Now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	ok, err := svc.Verify(ctx, "dest", "vote-confirmation", sender.lastCode)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReissueReplacesOutstandingCode(t *testing.T) {
	sender := &captureSender{}
	svc := NewMemoryService(time.Minute, sender)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "dest", "vote-confirmation")
	require.NoError(t, err)
	first := sender.lastCode

	_, err = svc.Issue(ctx, "dest", "vote-confirmation")
	require.NoError(t, err)

	if first != sender.lastCode {
		ok, err := svc.Verify(ctx, "dest", "vote-confirmation", first)
		require.NoError(t, err)
		require.False(t, ok)
	}

	ok, err := svc.Verify(ctx, "dest", "vote-confirmation", sender.lastCode)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyUnknownDestination(t *testing.T) {
	svc := NewMemoryService(time.Minute, &captureSender{})
	ok, err := svc.Verify(context.Background(), "nobody", "vote-confirmation", "123456")
	require.NoError(t, err)
	require.False(t, ok)
}

package otp

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

const codeDigits = 6

type entry struct {
	id        string
	code      string
	expiresAt time.Time
	consumed  bool
}

// MemoryService keeps issued codes in process memory. It implements the
// single-use and expiry semantics; persistence across restarts is not a
// goal since an expired code just forces a fresh issue cycle.
type MemoryService struct {
	ttl    time.Duration
	sender Sender

	// Now is overridable for tests.
	Now func() time.Time

	mu    sync.Mutex
	codes map[string]*entry
}

// NewMemoryService returns an in-memory code service with the given
// validity window.
func NewMemoryService(ttl time.Duration, sender Sender) *MemoryService {
	if sender == nil {
		sender = LogSender{}
	}
	return &MemoryService{
		ttl:    ttl,
		sender: sender,
		Now:    time.Now,
		codes:  make(map[string]*entry),
	}
}

func key(destination, purpose string) string {
	return destination + "|" + purpose
}

// Issue generates a fresh code for (destination, purpose), replacing any
// outstanding one, and hands it to the sender.
func (s *MemoryService) Issue(ctx context.Context, destination, purpose string) (Issued, error) {
	code, err := randomCode()
	if err != nil {
		return Issued{}, fmt.Errorf("failed to generate code: %w", err)
	}

	e := &entry{
		id:        uuid.NewString(),
		code:      code,
		expiresAt: s.Now().Add(s.ttl),
	}

	s.mu.Lock()
	s.codes[key(destination, purpose)] = e
	s.mu.Unlock()

	if err := s.sender.Send(ctx, destination, code); err != nil {
		return Issued{}, fmt.Errorf("failed to deliver code: %w", err)
	}
	return Issued{ID: e.id, ExpiresAt: e.expiresAt}, nil
}

// Verify checks a submitted code. It consumes the stored code only on a
// match; expired, consumed, unknown and mismatched codes are all the
// same false outcome.
func (s *MemoryService) Verify(_ context.Context, destination, purpose, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.codes[key(destination, purpose)]
	if !ok || e.consumed || s.Now().After(e.expiresAt) || e.code != code {
		return false, nil
	}
	e.consumed = true
	return true, nil
}

func randomCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

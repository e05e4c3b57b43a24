package service

import (
	"sync"

	"github.com/google/uuid"
)

type pairKey struct {
	voter    uuid.UUID
	election uuid.UUID
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

// pairLocks provides mutual exclusion per (voter, election). The
// create-confirm sequence runs under this lock so two concurrent
// confirms for the same pair cannot both pass the no-confirmed-record
// check. Ledger RPCs run while holding only this pair-scoped lock, never
// anything broader.
type pairLocks struct {
	mu    sync.Mutex
	locks map[pairKey]*pairLock
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[pairKey]*pairLock)}
}

func (p *pairLocks) lock(voter, election uuid.UUID) {
	k := pairKey{voter: voter, election: election}
	p.mu.Lock()
	l, ok := p.locks[k]
	if !ok {
		l = &pairLock{}
		p.locks[k] = l
	}
	l.refs++
	p.mu.Unlock()
	l.mu.Lock()
}

func (p *pairLocks) unlock(voter, election uuid.UUID) {
	k := pairKey{voter: voter, election: election}
	p.mu.Lock()
	l := p.locks[k]
	l.refs--
	if l.refs == 0 {
		delete(p.locks, k)
	}
	p.mu.Unlock()
	l.mu.Unlock()
}

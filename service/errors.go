package service

import "fmt"

// ValidationError reports bad input or an unmet precondition. It is
// caller-fixable and never accompanies a mutation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// LedgerError reports an RPC failure, timeout or on-chain revert. By the
// time it propagates, compensation has already run; Retryable tells the
// caller a fresh create/confirm cycle is worth attempting.
type LedgerError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *LedgerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger %s failed", e.Op)
}

func (e *LedgerError) Unwrap() error { return e.Err }

func validationf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

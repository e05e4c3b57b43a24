package ledger

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Status describes an already-submitted transaction as seen by the chain.
type Status struct {
	Exists      bool
	Success     bool
	BlockNumber uint64
}

// Client is the distributed ledger surface the vote lifecycle consumes.
// The chain's consensus and contract semantics are opaque here; calls are
// synchronous, blocking RPCs with bounded wait-for-finality timeouts, so
// callers must not hold broad locks across them.
type Client interface {
	// CastVote submits the cast-vote transaction signed with the
	// voter's wallet key and returns the transaction hash.
	CastVote(ctx context.Context, key *ecdsa.PrivateKey, contract common.Address, candidateLedgerID uint64) (string, error)

	// TransactionStatus reports whether a transaction exists on chain
	// and whether it executed successfully.
	TransactionStatus(ctx context.Context, txHash string) (Status, error)

	// IsElectionActive reads the authoritative on-chain active flag.
	IsElectionActive(ctx context.Context, contract common.Address) (bool, error)

	// IsEligibleVoter reads the on-chain eligibility of an address.
	IsEligibleVoter(ctx context.Context, contract common.Address, voter common.Address) (bool, error)

	// AddEligibleVoter submits an eligibility grant signed with an
	// authorized key and returns the transaction hash.
	AddEligibleVoter(ctx context.Context, key *ecdsa.PrivateKey, contract common.Address, voter common.Address) (string, error)

	// FundAccount tops up an address from the configured funding
	// source. It returns an empty hash when no funder is configured.
	FundAccount(ctx context.Context, addr common.Address, amount *big.Int) (string, error)

	// BalanceOf reads the current balance of an address.
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VoteState represents a state in the vote confirmation workflow.
type VoteState string

// Workflow states. A record is created unconfirmed and either reaches
// confirmed (terminal, retained permanently) or is deleted on a
// compensation path.
const (
	StateUnconfirmed VoteState = "unconfirmed"
	StateConfirmed   VoteState = "confirmed"
)

// Voter is a registered participant. Wallet presence is modeled as a
// separate row keyed by VoterID rather than a runtime attribute check.
type Voter struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	PersonalCode   string    `gorm:"uniqueIndex;size:32" json:"personal_code"`
	ContactAddress string    `gorm:"size:128" json:"contact_address"`
	Verified       bool      `gorm:"not null" json:"verified"`
	Eligible       bool      `gorm:"not null" json:"eligible"`
	CooldownUntil  *time.Time `json:"cooldown_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Wallet holds a voter's on-chain account. The signing key is stored only
// as a codec envelope; PublicAddress stays plaintext for balance checks.
// KeySalt is carried for envelope format compatibility with rows written
// by earlier key-handling schemes; the codec derives its key from the
// deployment-wide configuration, not per wallet.
type Wallet struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	VoterID       uuid.UUID `gorm:"type:uuid;uniqueIndex" json:"voter_id"`
	PublicAddress string    `gorm:"size:64;index" json:"public_address"`
	EncryptedKey  string    `gorm:"type:text" json:"-"`
	KeySalt       string    `gorm:"size:64" json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Election carries the local time window plus the integrity bookkeeping.
// IntegrityRoot is a cache of the tree root; the authoritative value is
// always re-derivable from the ordered confirmed receipts.
type Election struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Name            string     `gorm:"size:128" json:"name"`
	ContractAddress string     `gorm:"size:64" json:"contract_address"`
	StartsAt        time.Time  `gorm:"not null" json:"starts_at"`
	EndsAt          time.Time  `gorm:"not null" json:"ends_at"`
	Active          bool       `gorm:"not null" json:"active"`
	IntegrityRoot   string     `gorm:"size:64" json:"integrity_root"`
	RootUpdatedAt   *time.Time `json:"root_updated_at,omitempty"`
	AuditFlagged    bool       `gorm:"not null" json:"audit_flagged"`
	AuditReason     string     `gorm:"size:255" json:"audit_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Candidate belongs to one election. LedgerIndex is nil until the
// candidate has been registered on the election contract; votes cannot be
// created against an unregistered candidate.
type Candidate struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ElectionID  uuid.UUID `gorm:"type:uuid;index" json:"election_id"`
	Name        string    `gorm:"size:128" json:"name"`
	LedgerIndex *uint64   `json:"ledger_index,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// VoteRecord tracks one vote through the unconfirmed -> confirmed
// workflow. At most one confirmed record may ever exist per
// (voter, election); at most one unconfirmed record exists at a time.
type VoteRecord struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	VoterID        uuid.UUID  `gorm:"type:uuid;index:idx_vote_pair" json:"voter_id"`
	ElectionID     uuid.UUID  `gorm:"type:uuid;index:idx_vote_pair" json:"election_id"`
	CandidateID    uuid.UUID  `gorm:"type:uuid;index" json:"candidate_id"`
	State          VoteState  `gorm:"size:16;index" json:"state"`
	TxHash         string     `gorm:"size:80" json:"tx_hash,omitempty"`
	Receipt        string     `gorm:"size:64" json:"receipt,omitempty"`
	InclusionProof string     `gorm:"type:text" json:"inclusion_proof,omitempty"`
	LeafIndex      *int       `json:"leaf_index,omitempty"`
	RootAtAppend   string     `gorm:"size:64" json:"root_at_append,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Voter{},
		&Wallet{},
		&Election{},
		&Candidate{},
		&VoteRecord{},
	)
}

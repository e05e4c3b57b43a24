package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"voting-ledger/encryption"
	"voting-ledger/integrity"
	"voting-ledger/ledger"
	"voting-ledger/models"
	"voting-ledger/otp"
)

const codePurpose = "vote-confirmation"

// stepOutcome tags the terminal result of the confirmation steps. The
// orchestrator maps each tag to its compensation action instead of
// compensating inside the steps themselves.
type stepOutcome int

const (
	stepOK stepOutcome = iota
	validationFailed
	ledgerUnavailable
	eligibilityGrantFailed
	castFailed
	persistFailed
)

func (o stepOutcome) String() string {
	switch o {
	case stepOK:
		return "ok"
	case validationFailed:
		return "validation_failed"
	case ledgerUnavailable:
		return "ledger_unavailable"
	case eligibilityGrantFailed:
		return "eligibility_grant_failed"
	case castFailed:
		return "cast_failed"
	case persistFailed:
		return "persist_failed"
	default:
		return "unknown"
	}
}

// Config carries the explicit service handles for a Lifecycle. There is
// no global state; everything the lifecycle touches is injected here.
type Config struct {
	DB        *gorm.DB
	Codec     *encryption.Codec
	Integrity *integrity.Service
	Chain     ledger.Client
	Codes     otp.Service

	// CreatorKey signs eligibility grants; AdminKey is the fallback
	// when no creator key is configured.
	CreatorKey *ecdsa.PrivateKey
	AdminKey   *ecdsa.PrivateKey

	// MinFee is the wallet balance threshold below which auto-funding
	// is requested before casting.
	MinFee *big.Int
}

// Lifecycle orchestrates vote creation, code-gated confirmation against
// the external ledger, compensation on failure, and the integrity log
// update. The create-confirm sequence for one (voter, election) pair is
// serialized by a pair-scoped lock.
type Lifecycle struct {
	db         *gorm.DB
	codec      *encryption.Codec
	integrity  *integrity.Service
	chain      ledger.Client
	codes      otp.Service
	creatorKey *ecdsa.PrivateKey
	adminKey   *ecdsa.PrivateKey
	minFee     *big.Int

	now    func() time.Time
	locks  *pairLocks
	logger *log.Entry
}

// New constructs a vote lifecycle from its injected dependencies.
func New(cfg Config) *Lifecycle {
	minFee := cfg.MinFee
	if minFee == nil {
		minFee = big.NewInt(0)
	}
	return &Lifecycle{
		db:         cfg.DB,
		codec:      cfg.Codec,
		integrity:  cfg.Integrity,
		chain:      cfg.Chain,
		codes:      cfg.Codes,
		creatorKey: cfg.CreatorKey,
		adminKey:   cfg.AdminKey,
		minFee:     minFee,
		now:        time.Now,
		locks:      newPairLocks(),
		logger:     log.WithField("component", "lifecycle"),
	}
}

// PendingVote references a freshly created unconfirmed vote.
type PendingVote struct {
	RecordID      uuid.UUID `json:"record_id"`
	CodeExpiresAt time.Time `json:"code_expires_at"`
}

// Create opens a new unconfirmed vote for (voter, election, candidate),
// superseding any prior unconfirmed record for the same pair, and
// requests a one-time code to the voter's registered contact channel.
// Precondition violations return a ValidationError without mutation.
func (l *Lifecycle) Create(ctx context.Context, voterID, electionID, candidateID uuid.UUID) (*PendingVote, error) {
	l.locks.lock(voterID, electionID)
	defer l.locks.unlock(voterID, electionID)

	var voter models.Voter
	if err := l.db.WithContext(ctx).First(&voter, "id = ?", voterID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, validationf("unknown voter")
		}
		return nil, fmt.Errorf("failed to load voter: %w", err)
	}
	if !voter.Verified {
		return nil, validationf("voter identity is not verified")
	}
	now := l.now()
	if voter.CooldownUntil != nil && now.Before(*voter.CooldownUntil) {
		return nil, validationf("voter is in a cooldown window until %s", voter.CooldownUntil.Format(time.RFC3339))
	}

	var election models.Election
	if err := l.db.WithContext(ctx).First(&election, "id = ?", electionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, validationf("unknown election")
		}
		return nil, fmt.Errorf("failed to load election: %w", err)
	}
	if !election.Active || now.Before(election.StartsAt) || !now.Before(election.EndsAt) {
		return nil, validationf("election is not currently active")
	}

	var candidate models.Candidate
	if err := l.db.WithContext(ctx).First(&candidate, "id = ?", candidateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, validationf("unknown candidate")
		}
		return nil, fmt.Errorf("failed to load candidate: %w", err)
	}
	if candidate.ElectionID != electionID {
		return nil, validationf("candidate does not belong to this election")
	}
	if candidate.LedgerIndex == nil {
		return nil, validationf("candidate is not registered on the ledger yet")
	}

	var confirmed int64
	if err := l.db.WithContext(ctx).Model(&models.VoteRecord{}).
		Where("voter_id = ? AND election_id = ? AND state = ?", voterID, electionID, models.StateConfirmed).
		Count(&confirmed).Error; err != nil {
		return nil, fmt.Errorf("failed to check confirmed votes: %w", err)
	}
	if confirmed > 0 {
		return nil, validationf("voter already has a confirmed vote in this election")
	}

	// Supersede any outstanding unconfirmed record for the pair.
	if err := l.db.WithContext(ctx).
		Where("voter_id = ? AND election_id = ? AND state = ?", voterID, electionID, models.StateUnconfirmed).
		Delete(&models.VoteRecord{}).Error; err != nil {
		return nil, fmt.Errorf("failed to supersede pending vote: %w", err)
	}

	record := models.VoteRecord{
		ID:          uuid.New(),
		VoterID:     voterID,
		ElectionID:  electionID,
		CandidateID: candidateID,
		State:       models.StateUnconfirmed,
		CreatedAt:   now.UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to create vote record: %w", err)
	}

	issued, err := l.codes.Issue(ctx, voter.ContactAddress, codePurpose)
	if err != nil {
		l.compensate(ctx, record.ID)
		return nil, fmt.Errorf("failed to issue confirmation code: %w", err)
	}

	l.logger.WithFields(log.Fields{
		"vote_id":     record.ID,
		"election_id": electionID,
	}).Info("vote created, awaiting confirmation")

	return &PendingVote{RecordID: record.ID, CodeExpiresAt: issued.ExpiresAt}, nil
}

// Confirm drives the code-gated confirmation of a pending vote through
// the ledger. Steps before ledger acceptance compensate by deleting the
// unconfirmed record so the voter can retry cleanly; once the cast
// transaction is accepted the local record is committed and the
// integrity log update is best-effort.
func (l *Lifecycle) Confirm(ctx context.Context, voterID, recordID uuid.UUID, code string) (*models.VoteRecord, error) {
	// The pair lock key needs the election, so resolve the record
	// first and re-read it once the lock is held.
	var probe models.VoteRecord
	if err := l.db.WithContext(ctx).First(&probe, "id = ? AND voter_id = ?", recordID, voterID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, validationf("no pending vote found")
		}
		return nil, fmt.Errorf("failed to load vote record: %w", err)
	}
	electionID := probe.ElectionID

	l.locks.lock(voterID, electionID)
	defer l.locks.unlock(voterID, electionID)

	var record models.VoteRecord
	if err := l.db.WithContext(ctx).
		First(&record, "id = ? AND voter_id = ? AND state = ?", recordID, voterID, models.StateUnconfirmed).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, validationf("no pending vote found")
		}
		return nil, fmt.Errorf("failed to load vote record: %w", err)
	}

	var voter models.Voter
	if err := l.db.WithContext(ctx).First(&voter, "id = ?", voterID).Error; err != nil {
		return nil, fmt.Errorf("failed to load voter: %w", err)
	}
	var election models.Election
	if err := l.db.WithContext(ctx).First(&election, "id = ?", electionID).Error; err != nil {
		return nil, fmt.Errorf("failed to load election: %w", err)
	}
	var candidate models.Candidate
	if err := l.db.WithContext(ctx).First(&candidate, "id = ?", record.CandidateID).Error; err != nil {
		return nil, fmt.Errorf("failed to load candidate: %w", err)
	}

	outcome, txHash, stepErr := l.runConfirmSteps(ctx, &voter, &election, &candidate, code)
	switch outcome {
	case stepOK:
	case validationFailed:
		confirmOutcomes.WithLabelValues(outcome.String()).Inc()
		return nil, stepErr
	default:
		confirmOutcomes.WithLabelValues(outcome.String()).Inc()
		l.compensate(ctx, record.ID)
		return nil, stepErr
	}

	// Step 6: commit the confirmed state atomically.
	receipt := receiptFingerprint(voterID, electionID, record.CandidateID, txHash)
	confirmedAt := l.now().UTC()
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Model(&models.VoteRecord{}).
			Where("id = ? AND state = ?", record.ID, models.StateUnconfirmed).
			Updates(map[string]interface{}{
				"state":        models.StateConfirmed,
				"tx_hash":      txHash,
				"receipt":      receipt,
				"confirmed_at": confirmedAt,
			}).Error
	})
	if err != nil {
		// The ledger already accepted the cast; deleting the record
		// now would permit a second vote, so keep it and flag the
		// election instead.
		confirmOutcomes.WithLabelValues(persistFailed.String()).Inc()
		l.flagElection(ctx, electionID, fmt.Sprintf("vote %s cast as %s but local commit failed", record.ID, txHash))
		return nil, fmt.Errorf("vote cast as %s but could not be recorded locally: %w", txHash, err)
	}

	// Step 7: best-effort integrity log update. Ledger finality
	// outranks internal audit bookkeeping; a failure here flags the
	// election for audit but the vote stays confirmed.
	if _, err := l.integrity.AppendConfirmed(ctx, electionID, record.ID, []byte(receipt)); err != nil {
		integrityAppendFailures.Inc()
		l.logger.WithError(err).WithFields(log.Fields{
			"vote_id":     record.ID,
			"election_id": electionID,
		}).Error("integrity log update failed after confirmed vote")
		l.flagElection(ctx, electionID, fmt.Sprintf("integrity append failed for vote %s: %v", record.ID, err))
	}

	confirmOutcomes.WithLabelValues(stepOK.String()).Inc()

	var confirmedRecord models.VoteRecord
	if err := l.db.WithContext(ctx).First(&confirmedRecord, "id = ?", record.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload confirmed vote: %w", err)
	}
	l.logger.WithFields(log.Fields{
		"vote_id": record.ID,
		"tx_hash": txHash,
	}).Info("vote confirmed")
	return &confirmedRecord, nil
}

// runConfirmSteps executes confirmation steps 1-5 and reports the
// outcome tag. It performs no compensation itself.
func (l *Lifecycle) runConfirmSteps(ctx context.Context, voter *models.Voter, election *models.Election, candidate *models.Candidate, code string) (stepOutcome, string, error) {
	// Step 1: one-time code, single-use, consumed only on success.
	ok, err := l.codes.Verify(ctx, voter.ContactAddress, codePurpose, code)
	if err != nil {
		return validationFailed, "", fmt.Errorf("code verification unavailable: %w", err)
	}
	if !ok {
		return validationFailed, "", validationf("invalid or expired confirmation code")
	}

	// Step 2: wallet balance against the fee threshold, auto-funding
	// below it, then unseal the signing key.
	var wallet models.Wallet
	if err := l.db.WithContext(ctx).First(&wallet, "voter_id = ?", voter.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return validationFailed, "", validationf("voter has no wallet")
		}
		return ledgerUnavailable, "", fmt.Errorf("failed to load wallet: %w", err)
	}
	addr := common.HexToAddress(wallet.PublicAddress)

	balance, err := l.timedBalance(ctx, addr)
	if err != nil {
		return ledgerUnavailable, "", &LedgerError{Op: "balance check", Retryable: true, Err: err}
	}
	if balance.Cmp(l.minFee) < 0 {
		if _, err := l.chain.FundAccount(ctx, addr, new(big.Int).Set(l.minFee)); err != nil {
			return ledgerUnavailable, "", &LedgerError{Op: "auto-funding", Retryable: true, Err: err}
		}
	}

	plainKey, err := l.codec.Decrypt(wallet.EncryptedKey)
	if err != nil {
		return ledgerUnavailable, "", err
	}
	walletKey, err := ethcrypto.HexToECDSA(strings.TrimPrefix(string(plainKey), "0x"))
	if err != nil {
		return ledgerUnavailable, "", fmt.Errorf("stored wallet key is unusable: %w", err)
	}

	contract := common.HexToAddress(election.ContractAddress)

	// Step 3: the ledger's view of the election is authoritative, not
	// the locally cached flag.
	active, err := l.timedBool("election_status", func() (bool, error) {
		return l.chain.IsElectionActive(ctx, contract)
	})
	if err != nil {
		return ledgerUnavailable, "", &LedgerError{Op: "election status", Retryable: true, Err: err}
	}
	if !active {
		return ledgerUnavailable, "", &LedgerError{Op: "election status", Retryable: true, Err: errors.New("election is not active on the ledger")}
	}

	// Step 4: eligibility, with a coordinator-signed grant when the
	// voter is missing on chain.
	eligible, err := l.timedBool("eligibility", func() (bool, error) {
		return l.chain.IsEligibleVoter(ctx, contract, addr)
	})
	if err != nil {
		return ledgerUnavailable, "", &LedgerError{Op: "eligibility check", Retryable: true, Err: err}
	}
	if !eligible {
		grantKey := l.creatorKey
		if grantKey == nil {
			grantKey = l.adminKey
		}
		if grantKey == nil {
			return eligibilityGrantFailed, "", &LedgerError{Op: "eligibility grant", Retryable: false, Err: errors.New("no authorized signing key available")}
		}
		start := l.now()
		if _, err := l.chain.AddEligibleVoter(ctx, grantKey, contract, addr); err != nil {
			ledgerCallDuration.WithLabelValues("eligibility_grant").Observe(time.Since(start).Seconds())
			return eligibilityGrantFailed, "", &LedgerError{Op: "eligibility grant", Retryable: true, Err: err}
		}
		ledgerCallDuration.WithLabelValues("eligibility_grant").Observe(time.Since(start).Seconds())
	}

	// Step 5: submit the cast-vote transaction.
	start := l.now()
	txHash, err := l.chain.CastVote(ctx, walletKey, contract, *candidate.LedgerIndex)
	ledgerCallDuration.WithLabelValues("cast_vote").Observe(time.Since(start).Seconds())
	if err != nil {
		return castFailed, "", &LedgerError{Op: "cast vote", Retryable: true, Err: err}
	}

	return stepOK, txHash, nil
}

func (l *Lifecycle) timedBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	start := l.now()
	defer func() {
		ledgerCallDuration.WithLabelValues("balance").Observe(time.Since(start).Seconds())
	}()
	return l.chain.BalanceOf(ctx, addr)
}

func (l *Lifecycle) timedBool(op string, call func() (bool, error)) (bool, error) {
	start := l.now()
	defer func() {
		ledgerCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()
	return call()
}

// compensate deletes an unconfirmed record so the voter can retry with a
// clean slate. Confirmed records are never touched here.
func (l *Lifecycle) compensate(ctx context.Context, recordID uuid.UUID) {
	res := l.db.WithContext(ctx).
		Where("id = ? AND state = ?", recordID, models.StateUnconfirmed).
		Delete(&models.VoteRecord{})
	if res.Error != nil {
		l.logger.WithError(res.Error).WithField("vote_id", recordID).Error("compensating delete failed")
		return
	}
	if res.RowsAffected > 0 {
		compensatingDeletes.Inc()
		l.logger.WithField("vote_id", recordID).Info("pending vote deleted after failed confirmation step")
	}
}

func (l *Lifecycle) flagElection(ctx context.Context, electionID uuid.UUID, reason string) {
	if err := l.db.WithContext(ctx).Model(&models.Election{}).Where("id = ?", electionID).
		Updates(map[string]interface{}{
			"audit_flagged": true,
			"audit_reason":  reason,
		}).Error; err != nil {
		l.logger.WithError(err).WithField("election_id", electionID).Error("failed to flag election for audit")
	}
}

// receiptFingerprint binds voter, election, candidate and the ledger
// transaction into the compact proof-of-cast hash.
func receiptFingerprint(voterID, electionID, candidateID uuid.UUID, txHash string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s", voterID, electionID, candidateID, txHash)))
	return hex.EncodeToString(sum[:])
}

// VerifyResult reports the two independent verification paths. They may
// disagree; disagreement is surfaced, never collapsed into one boolean.
type VerifyResult struct {
	VoteID           uuid.UUID `json:"vote_id"`
	LedgerChecked    bool      `json:"ledger_checked"`
	LedgerOK         bool      `json:"ledger_ok"`
	LedgerDetail     string    `json:"ledger_detail,omitempty"`
	IntegrityChecked bool      `json:"integrity_checked"`
	IntegrityOK      bool      `json:"integrity_ok"`
	IntegrityDetail  string    `json:"integrity_detail,omitempty"`
}

// Verify independently re-derives the expected fingerprint and checks it
// against the external ledger and against the stored inclusion proof.
// Read-only.
func (l *Lifecycle) Verify(ctx context.Context, recordID uuid.UUID) (*VerifyResult, error) {
	var record models.VoteRecord
	if err := l.db.WithContext(ctx).First(&record, "id = ?", recordID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, validationf("unknown vote record")
		}
		return nil, fmt.Errorf("failed to load vote record: %w", err)
	}
	if record.State != models.StateConfirmed {
		return nil, validationf("vote is not confirmed")
	}

	result := &VerifyResult{VoteID: record.ID}
	expected := receiptFingerprint(record.VoterID, record.ElectionID, record.CandidateID, record.TxHash)

	status, err := l.chain.TransactionStatus(ctx, record.TxHash)
	if err != nil {
		result.LedgerDetail = fmt.Sprintf("ledger unavailable: %v", err)
	} else {
		result.LedgerChecked = true
		switch {
		case !status.Exists:
			result.LedgerDetail = "transaction not found on the ledger"
		case !status.Success:
			result.LedgerDetail = "transaction exists but did not succeed"
		case expected != record.Receipt:
			result.LedgerDetail = "stored receipt does not match the re-derived fingerprint"
		default:
			result.LedgerOK = true
		}
	}

	if record.InclusionProof == "" || record.RootAtAppend == "" {
		result.IntegrityDetail = "no inclusion proof recorded"
	} else {
		var proof []integrity.ProofStep
		if err := json.Unmarshal([]byte(record.InclusionProof), &proof); err != nil {
			result.IntegrityDetail = "stored inclusion proof is unreadable"
		} else if root, err := hex.DecodeString(record.RootAtAppend); err != nil {
			result.IntegrityDetail = "stored root is unreadable"
		} else {
			result.IntegrityChecked = true
			result.IntegrityOK = integrity.VerifyProof([]byte(record.Receipt), proof, root)
			if !result.IntegrityOK {
				result.IntegrityDetail = "inclusion proof does not reproduce the recorded root"
			}
		}
	}

	if result.LedgerChecked && result.IntegrityChecked && result.LedgerOK != result.IntegrityOK {
		l.logger.WithField("vote_id", record.ID).Warn("ledger and integrity verification disagree")
	}

	return result, nil
}

// ReceiptBundle is the receipt surface exposed to collaborators such as
// report rendering. Formatting is out of scope here.
type ReceiptBundle struct {
	VoteID         uuid.UUID             `json:"vote_id"`
	ElectionID     uuid.UUID             `json:"election_id"`
	CandidateID    uuid.UUID             `json:"candidate_id"`
	TxHash         string                `json:"tx_hash"`
	Receipt        string                `json:"receipt"`
	InclusionProof []integrity.ProofStep `json:"inclusion_proof,omitempty"`
	RootAtAppend   string                `json:"root_at_append,omitempty"`
	ConfirmedAt    *time.Time            `json:"confirmed_at"`
}

// Receipt returns the receipt bundle for a confirmed vote.
func (l *Lifecycle) Receipt(ctx context.Context, recordID uuid.UUID) (*ReceiptBundle, error) {
	var record models.VoteRecord
	if err := l.db.WithContext(ctx).First(&record, "id = ?", recordID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, validationf("unknown vote record")
		}
		return nil, fmt.Errorf("failed to load vote record: %w", err)
	}
	if record.State != models.StateConfirmed {
		return nil, validationf("vote is not confirmed")
	}

	bundle := &ReceiptBundle{
		VoteID:       record.ID,
		ElectionID:   record.ElectionID,
		CandidateID:  record.CandidateID,
		TxHash:       record.TxHash,
		Receipt:      record.Receipt,
		RootAtAppend: record.RootAtAppend,
		ConfirmedAt:  record.ConfirmedAt,
	}
	if record.InclusionProof != "" {
		if err := json.Unmarshal([]byte(record.InclusionProof), &bundle.InclusionProof); err != nil {
			return nil, fmt.Errorf("stored inclusion proof is unreadable: %w", err)
		}
	}
	return bundle, nil
}

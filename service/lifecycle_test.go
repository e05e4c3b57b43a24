package service

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"voting-ledger/encryption"
	"voting-ledger/integrity"
	"voting-ledger/ledger"
	"voting-ledger/models"
	"voting-ledger/otp"
)

type fakeChain struct {
	mu        sync.Mutex
	active    bool
	eligible  map[common.Address]bool
	balances  map[common.Address]*big.Int
	castErr   error
	castDelay time.Duration
	casts     int
	grants    []common.Address
	funded    []common.Address
	statuses  map[string]ledger.Status
	nextTx    int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		active:   true,
		eligible: make(map[common.Address]bool),
		balances: make(map[common.Address]*big.Int),
		statuses: make(map[string]ledger.Status),
	}
}

func (f *fakeChain) CastVote(_ context.Context, _ *ecdsa.PrivateKey, _ common.Address, _ uint64) (string, error) {
	if f.castDelay > 0 {
		time.Sleep(f.castDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.castErr != nil {
		return "", f.castErr
	}
	f.casts++
	f.nextTx++
	hash := fmt.Sprintf("0x%064x", f.nextTx)
	f.statuses[hash] = ledger.Status{Exists: true, Success: true, BlockNumber: uint64(f.nextTx)}
	return hash, nil
}

func (f *fakeChain) TransactionStatus(_ context.Context, txHash string) (ledger.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[txHash], nil
}

func (f *fakeChain) IsElectionActive(_ context.Context, _ common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeChain) IsEligibleVoter(_ context.Context, _ common.Address, voter common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eligible[voter], nil
}

func (f *fakeChain) AddEligibleVoter(_ context.Context, _ *ecdsa.PrivateKey, _ common.Address, voter common.Address) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eligible[voter] = true
	f.grants = append(f.grants, voter)
	f.nextTx++
	return fmt.Sprintf("0x%064x", f.nextTx), nil
}

func (f *fakeChain) FundAccount(_ context.Context, addr common.Address, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funded = append(f.funded, addr)
	cur, ok := f.balances[addr]
	if !ok {
		cur = big.NewInt(0)
	}
	f.balances[addr] = new(big.Int).Add(cur, amount)
	f.nextTx++
	return fmt.Sprintf("0x%064x", f.nextTx), nil
}

func (f *fakeChain) BalanceOf(_ context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

type captureSender struct {
	mu       sync.Mutex
	lastCode string
}

func (c *captureSender) Send(_ context.Context, _ string, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCode = code
	return nil
}

func (c *captureSender) code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCode
}

type testEnv struct {
	db        *gorm.DB
	codec     *encryption.Codec
	chain     *fakeChain
	sender    *captureSender
	codes     *otp.MemoryService
	lifecycle *Lifecycle
	voter     models.Voter
	wallet    models.Wallet
	election  models.Election
	candidate models.Candidate
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)

	codec, err := encryption.NewCodec(bytes.Repeat([]byte{7}, encryption.KeySize))
	require.NoError(t, err)

	chain := newFakeChain()
	sender := &captureSender{}
	codes := otp.NewMemoryService(5*time.Minute, sender)

	adminKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	lc := New(Config{
		DB:        db,
		Codec:     codec,
		Integrity: integrity.NewService(db, time.Minute),
		Chain:     chain,
		Codes:     codes,
		AdminKey:  adminKey,
		MinFee:    big.NewInt(0),
	})

	walletKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	envelope, err := codec.Encrypt([]byte(hex.EncodeToString(ethcrypto.FromECDSA(walletKey))))
	require.NoError(t, err)

	voter := models.Voter{
		ID:             uuid.New(),
		PersonalCode:   "39001010000",
		ContactAddress: "+37060000001",
		Verified:       true,
		Eligible:       true,
	}
	require.NoError(t, db.Create(&voter).Error)

	wallet := models.Wallet{
		ID:            uuid.New(),
		VoterID:       voter.ID,
		PublicAddress: ethcrypto.PubkeyToAddress(walletKey.PublicKey).Hex(),
		EncryptedKey:  envelope,
		KeySalt:       "a1b2c3",
	}
	require.NoError(t, db.Create(&wallet).Error)

	now := time.Now()
	election := models.Election{
		ID:              uuid.New(),
		Name:            "municipal council",
		ContractAddress: "0x00000000000000000000000000000000000000e1",
		StartsAt:        now.Add(-time.Minute),
		EndsAt:          now.Add(time.Hour),
		Active:          true,
	}
	require.NoError(t, db.Create(&election).Error)

	idx := uint64(1)
	candidate := models.Candidate{
		ID:          uuid.New(),
		ElectionID:  election.ID,
		Name:        "candidate one",
		LedgerIndex: &idx,
	}
	require.NoError(t, db.Create(&candidate).Error)

	return &testEnv{
		db:        db,
		codec:     codec,
		chain:     chain,
		sender:    sender,
		codes:     codes,
		lifecycle: lc,
		voter:     voter,
		wallet:    wallet,
		election:  election,
		candidate: candidate,
	}
}

func TestConfirmAutoGrantsEligibilityAndCasts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The voter is not yet eligible on chain; confirm must grant
	// eligibility itself before casting.
	pending, err := env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	require.NoError(t, err)
	require.True(t, pending.CodeExpiresAt.After(time.Now()))

	record, err := env.lifecycle.Confirm(ctx, env.voter.ID, pending.RecordID, env.sender.code())
	require.NoError(t, err)
	require.Equal(t, models.StateConfirmed, record.State)
	require.NotEmpty(t, record.TxHash)
	require.NotNil(t, record.ConfirmedAt)
	require.Len(t, env.chain.grants, 1)

	expected := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s",
		env.voter.ID, env.election.ID, env.candidate.ID, record.TxHash)))
	require.Equal(t, hex.EncodeToString(expected[:]), record.Receipt)

	var election models.Election
	require.NoError(t, env.db.First(&election, "id = ?", env.election.ID).Error)
	require.NotEmpty(t, election.IntegrityRoot)
	require.NotNil(t, election.RootUpdatedAt)
	require.False(t, election.AuditFlagged)

	require.NotEmpty(t, record.InclusionProof)
	require.Equal(t, election.IntegrityRoot, record.RootAtAppend)
}

func TestConfirmCastFailureCompensates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.chain.eligible[common.HexToAddress(env.wallet.PublicAddress)] = true
	env.chain.castErr = errors.New("rpc timeout")

	pending, err := env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	require.NoError(t, err)

	_, err = env.lifecycle.Confirm(ctx, env.voter.ID, pending.RecordID, env.sender.code())
	var le *LedgerError
	require.ErrorAs(t, err, &le)
	require.True(t, le.Retryable)

	// The unconfirmed record was deleted so the voter can retry.
	var count int64
	require.NoError(t, env.db.Model(&models.VoteRecord{}).
		Where("voter_id = ? AND election_id = ?", env.voter.ID, env.election.ID).
		Count(&count).Error)
	require.Zero(t, count)

	// A fresh create/confirm cycle succeeds once the ledger recovers.
	env.chain.castErr = nil
	pending, err = env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	require.NoError(t, err)
	record, err := env.lifecycle.Confirm(ctx, env.voter.ID, pending.RecordID, env.sender.code())
	require.NoError(t, err)
	require.Equal(t, models.StateConfirmed, record.State)
}

func TestCreateSupersedesPendingRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	require.NoError(t, err)
	second, err := env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.RecordID, second.RecordID)

	var records []models.VoteRecord
	require.NoError(t, env.db.
		Where("voter_id = ? AND election_id = ?", env.voter.ID, env.election.ID).
		Find(&records).Error)
	require.Len(t, records, 1)
	require.Equal(t, second.RecordID, records[0].ID)
	require.Equal(t, models.StateUnconfirmed, records[0].State)
}

func TestConfirmInvalidCodeMutatesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pending, err := env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	require.NoError(t, err)

	_, err = env.lifecycle.Confirm(ctx, env.voter.ID, pending.RecordID, "not-the-code")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	// Record untouched, no cast, no integrity update.
	var record models.VoteRecord
	require.NoError(t, env.db.First(&record, "id = ?", pending.RecordID).Error)
	require.Equal(t, models.StateUnconfirmed, record.State)
	require.Zero(t, env.chain.casts)

	var election models.Election
	require.NoError(t, env.db.First(&election, "id = ?", env.election.ID).Error)
	require.Empty(t, election.IntegrityRoot)
}

func TestConfirmExpiredCodeMutatesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pending, err := env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	require.NoError(t, err)

	env.codes.Now = func() time.Time { return time.Now().Add(time.Hour) }

	_, err = env.lifecycle.Confirm(ctx, env.voter.ID, pending.RecordID, env.sender.code())
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	var record models.VoteRecord
	require.NoError(t, env.db.First(&record, "id = ?", pending.RecordID).Error)
	require.Equal(t, models.StateUnconfirmed, record.State)
	require.Zero(t, env.chain.casts)
}

func TestConfirmElectionInactiveOnLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.chain.active = false

	pending, err := env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	require.NoError(t, err)

	_, err = env.lifecycle.Confirm(ctx, env.voter.ID, pending.RecordID, env.sender.code())
	var le *LedgerError
	require.ErrorAs(t, err, &le)
	require.True(t, le.Retryable)

	var count int64
	require.NoError(t, env.db.Model(&models.VoteRecord{}).
		Where("id = ?", pending.RecordID).Count(&count).Error)
	require.Zero(t, count)
}

func TestConfirmNoGrantKeyAvailable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	lc := New(Config{
		DB:        env.db,
		Codec:     env.codec,
		Integrity: integrity.NewService(env.db, time.Minute),
		Chain:     env.chain,
		Codes:     env.codes,
		MinFee:    big.NewInt(0),
	})

	pending, err := lc.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	require.NoError(t, err)

	_, err = lc.Confirm(ctx, env.voter.ID, pending.RecordID, env.sender.code())
	var le *LedgerError
	require.ErrorAs(t, err, &le)
	require.False(t, le.Retryable)

	var count int64
	require.NoError(t, env.db.Model(&models.VoteRecord{}).
		Where("id = ?", pending.RecordID).Count(&count).Error)
	require.Zero(t, count)
}

func TestConfirmAutoFundsLowBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	lc := New(Config{
		DB:        env.db,
		Codec:     env.codec,
		Integrity: integrity.NewService(env.db, time.Minute),
		Chain:     env.chain,
		Codes:     env.codes,
		AdminKey:  mustKey(t),
		MinFee:    big.NewInt(1_000_000),
	})

	pending, err := lc.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	require.NoError(t, err)

	record, err := lc.Confirm(ctx, env.voter.ID, pending.RecordID, env.sender.code())
	require.NoError(t, err)
	require.Equal(t, models.StateConfirmed, record.State)
	require.Len(t, env.chain.funded, 1)
	require.Equal(t, common.HexToAddress(env.wallet.PublicAddress), env.chain.funded[0])
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func TestCreatePreconditions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Election outside its window.
	require.NoError(t, env.db.Model(&models.Election{}).Where("id = ?", env.election.ID).
		Update("ends_at", time.Now().Add(-time.Minute)).Error)
	_, err := env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	require.NoError(t, env.db.Model(&models.Election{}).Where("id = ?", env.election.ID).
		Update("ends_at", time.Now().Add(time.Hour)).Error)

	// Candidate without a ledger identifier.
	unregistered := models.Candidate{ID: uuid.New(), ElectionID: env.election.ID, Name: "late entry"}
	require.NoError(t, env.db.Create(&unregistered).Error)
	_, err = env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, unregistered.ID)
	require.ErrorAs(t, err, &ve)

	// Candidate from another election.
	otherElection := models.Election{ID: uuid.New(), Name: "other", Active: true,
		StartsAt: time.Now().Add(-time.Minute), EndsAt: time.Now().Add(time.Hour)}
	require.NoError(t, env.db.Create(&otherElection).Error)
	idx := uint64(9)
	foreign := models.Candidate{ID: uuid.New(), ElectionID: otherElection.ID, Name: "foreign", LedgerIndex: &idx}
	require.NoError(t, env.db.Create(&foreign).Error)
	_, err = env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, foreign.ID)
	require.ErrorAs(t, err, &ve)

	// Unverified voter.
	require.NoError(t, env.db.Model(&models.Voter{}).Where("id = ?", env.voter.ID).
		Update("verified", false).Error)
	_, err = env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	require.ErrorAs(t, err, &ve)

	// No mutations happened along the way.
	var count int64
	require.NoError(t, env.db.Model(&models.VoteRecord{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestCreateRejectsAfterConfirmedVote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pending, err := env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	require.NoError(t, err)
	_, err = env.lifecycle.Confirm(ctx, env.voter.ID, pending.RecordID, env.sender.code())
	require.NoError(t, err)

	_, err = env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestAtMostOneConfirmedUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.chain.castDelay = 10 * time.Millisecond

	const attempts = 8
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pending, err := env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
			if err != nil {
				return
			}
			_, _ = env.lifecycle.Confirm(ctx, env.voter.ID, pending.RecordID, env.sender.code())
		}()
	}
	wg.Wait()

	var confirmed int64
	require.NoError(t, env.db.Model(&models.VoteRecord{}).
		Where("voter_id = ? AND election_id = ? AND state = ?",
			env.voter.ID, env.election.ID, models.StateConfirmed).
		Count(&confirmed).Error)
	require.LessOrEqual(t, confirmed, int64(1))

	// Unconfirmed leftovers are allowed (superseded creates), but the
	// confirmed invariant holds and the ledger saw at most one cast.
	require.LessOrEqual(t, env.chain.casts, 1)
}

func TestVerifyReportsBothPaths(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pending, err := env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	require.NoError(t, err)
	record, err := env.lifecycle.Confirm(ctx, env.voter.ID, pending.RecordID, env.sender.code())
	require.NoError(t, err)

	result, err := env.lifecycle.Verify(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, result.LedgerChecked)
	require.True(t, result.LedgerOK)
	require.True(t, result.IntegrityChecked)
	require.True(t, result.IntegrityOK)

	// Corrupt the stored receipt: the two paths may now disagree and
	// both outcomes stay independently observable.
	require.NoError(t, env.db.Model(&models.VoteRecord{}).Where("id = ?", record.ID).
		Update("receipt", "forged").Error)

	result, err = env.lifecycle.Verify(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, result.LedgerChecked)
	require.False(t, result.LedgerOK)
	require.NotEmpty(t, result.LedgerDetail)
	require.True(t, result.IntegrityChecked)
	require.False(t, result.IntegrityOK)
}

func TestReceiptBundle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pending, err := env.lifecycle.Create(ctx, env.voter.ID, env.election.ID, env.candidate.ID)
	require.NoError(t, err)
	record, err := env.lifecycle.Confirm(ctx, env.voter.ID, pending.RecordID, env.sender.code())
	require.NoError(t, err)

	bundle, err := env.lifecycle.Receipt(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, record.ID, bundle.VoteID)
	require.Equal(t, record.TxHash, bundle.TxHash)
	require.Equal(t, record.Receipt, bundle.Receipt)
	require.NotEmpty(t, bundle.RootAtAppend)
	require.NotNil(t, bundle.ConfirmedAt)

	root, err := hex.DecodeString(bundle.RootAtAppend)
	require.NoError(t, err)
	require.True(t, integrity.VerifyProof([]byte(bundle.Receipt), bundle.InclusionProof, root))

	// Unknown records surface as a validation error, not a panic.
	_, err = env.lifecycle.Receipt(ctx, uuid.New())
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

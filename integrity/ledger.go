package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"voting-ledger/models"
)

// PersistError reports that a freshly written root or proof did not read
// back as computed. Silent success on a failed write is disallowed; the
// caller flags the election for audit.
type PersistError struct {
	ElectionID uuid.UUID
	Computed   string
	Stored     string
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("integrity: persisted root for election %s does not match computed root (stored %q, computed %q)",
		e.ElectionID, e.Stored, e.Computed)
}

type cachedTree struct {
	tree      *Tree
	expiresAt time.Time
}

// Service maintains the per-election tamper-evidence tree over confirmed
// vote fingerprints. The persistent store is the source of truth; the
// in-memory tree is a bounded-TTL cache and never authoritative.
type Service struct {
	db       *gorm.DB
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
	cache map[uuid.UUID]cachedTree
}

// NewService returns a tree service backed by the given store. cacheTTL
// bounds how long a rebuilt tree may be reused before re-deriving it.
func NewService(db *gorm.DB, cacheTTL time.Duration) *Service {
	return &Service{
		db:       db,
		cacheTTL: cacheTTL,
		now:      time.Now,
		locks:    make(map[uuid.UUID]*sync.Mutex),
		cache:    make(map[uuid.UUID]cachedTree),
	}
}

// electionLock returns the single-writer lock for one election. Appends
// rebuild the whole tree and must not run concurrently per election.
func (s *Service) electionLock(electionID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[electionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[electionID] = l
	}
	return l
}

// confirmedRecords loads the authoritative ordered leaf set for an
// election: confirmed records ordered by confirmation time.
func (s *Service) confirmedRecords(ctx context.Context, electionID uuid.UUID) ([]models.VoteRecord, error) {
	var records []models.VoteRecord
	if err := s.db.WithContext(ctx).
		Where("election_id = ? AND state = ?", electionID, models.StateConfirmed).
		Order("confirmed_at asc, id asc").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("integrity: failed to load confirmed records: %w", err)
	}
	return records, nil
}

func leafValues(records []models.VoteRecord) [][]byte {
	leaves := make([][]byte, 0, len(records))
	for _, r := range records {
		leaves = append(leaves, []byte(r.Receipt))
	}
	return leaves
}

// AppendConfirmed folds one confirmed vote fingerprint into the election
// tree, persists the new root and the record's inclusion proof, and then
// re-reads the persisted root to catch lost writes. The record must
// already be confirmed; the tree is built from the full ordered confirmed
// set and the proof is issued at the record's position in that ordering,
// so concurrent callers reaching the election lock out of confirmation
// order still converge on the same root.
func (s *Service) AppendConfirmed(ctx context.Context, electionID, recordID uuid.UUID, fingerprint []byte) (*AppendResult, error) {
	lock := s.electionLock(electionID)
	lock.Lock()
	defer lock.Unlock()

	records, err := s.confirmedRecords(ctx, electionID)
	if err != nil {
		return nil, err
	}

	index := -1
	for i, r := range records {
		if r.ID == recordID {
			index = i
			break
		}
	}
	if index == -1 {
		return nil, fmt.Errorf("integrity: record %s is not a confirmed vote in election %s", recordID, electionID)
	}
	if records[index].Receipt != string(fingerprint) {
		return nil, fmt.Errorf("integrity: stored receipt for record %s does not match the supplied fingerprint", recordID)
	}

	tree := NewTree(leafValues(records))
	leafHash := sha256.Sum256(fingerprint)
	result := AppendResult{
		Index:    index,
		LeafHash: leafHash[:],
		Root:     tree.Root(),
		Proof:    tree.proofFor(index),
	}

	rootHex := hex.EncodeToString(result.Root)
	proofJSON, err := json.Marshal(result.Proof)
	if err != nil {
		return nil, fmt.Errorf("integrity: failed to encode proof: %w", err)
	}

	updatedAt := s.now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Election{}).Where("id = ?", electionID).
			Updates(map[string]interface{}{
				"integrity_root":  rootHex,
				"root_updated_at": updatedAt,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&models.VoteRecord{}).Where("id = ?", recordID).
			Updates(map[string]interface{}{
				"inclusion_proof": string(proofJSON),
				"leaf_index":      result.Index,
				"root_at_append":  rootHex,
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("integrity: failed to persist root: %w", err)
	}

	// Read back what was just written; a mismatch means the store lied
	// about the commit and must not pass silently.
	var stored models.Election
	if err := s.db.WithContext(ctx).First(&stored, "id = ?", electionID).Error; err != nil {
		return nil, fmt.Errorf("integrity: failed to re-read election root: %w", err)
	}
	if stored.IntegrityRoot != rootHex {
		return nil, &PersistError{ElectionID: electionID, Computed: rootHex, Stored: stored.IntegrityRoot}
	}

	s.mu.Lock()
	s.cache[electionID] = cachedTree{tree: tree, expiresAt: s.now().Add(s.cacheTTL)}
	s.mu.Unlock()

	return &result, nil
}

// CurrentRoot returns the election's tree root, serving from the cache
// while it is fresh and re-deriving from the store otherwise.
func (s *Service) CurrentRoot(ctx context.Context, electionID uuid.UUID) ([]byte, error) {
	s.mu.Lock()
	if c, ok := s.cache[electionID]; ok && s.now().Before(c.expiresAt) {
		root := c.tree.Root()
		s.mu.Unlock()
		return root, nil
	}
	s.mu.Unlock()

	records, err := s.confirmedRecords(ctx, electionID)
	if err != nil {
		return nil, err
	}
	tree := NewTree(leafValues(records))

	s.mu.Lock()
	s.cache[electionID] = cachedTree{tree: tree, expiresAt: s.now().Add(s.cacheTTL)}
	s.mu.Unlock()

	return tree.Root(), nil
}

// RebuildAndCompare is the full tamper sweep: rebuild a fresh tree from
// the authoritative ordered leaf set, bypassing the cache, and compare
// against the stored root. It returns true when tampering is detected.
func (s *Service) RebuildAndCompare(ctx context.Context, electionID uuid.UUID) (bool, error) {
	var election models.Election
	if err := s.db.WithContext(ctx).First(&election, "id = ?", electionID).Error; err != nil {
		return false, fmt.Errorf("integrity: failed to load election: %w", err)
	}

	records, err := s.confirmedRecords(ctx, electionID)
	if err != nil {
		return false, err
	}
	leaves := leafValues(records)

	rebuilt := hex.EncodeToString(NewTree(leaves).Root())
	if election.IntegrityRoot == "" {
		// No root has ever been persisted; nothing to compare unless
		// confirmed votes exist that should have produced one.
		if len(leaves) > 0 {
			log.WithField("election_id", electionID).Warn("confirmed votes present but no integrity root stored")
			return true, nil
		}
		return false, nil
	}
	return rebuilt != election.IntegrityRoot, nil
}

package replay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	claimKeyPrefix  = "claim:"
	expiryKeyPrefix = "expiry:"

	pruneInterval = time.Minute
)

// LevelStore is a disk-backed Guard for single-node deployments that must
// survive restarts without a database. Claims are stored under a composite
// key with a secondary expiry index used for pruning.
type LevelStore struct {
	db  *leveldb.DB
	ttl time.Duration

	mu         sync.Mutex
	lastPruned time.Time
}

// OpenLevelStore opens (or creates) the LevelDB database at path.
func OpenLevelStore(path string, ttl time.Duration) (*LevelStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("leveldb replay store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb replay store: %w", err)
	}
	return &LevelStore{db: db, ttl: clampTTL(ttl)}, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func claimKey(connectionID uuid.UUID, nonce string) []byte {
	return []byte(claimKeyPrefix + connectionID.String() + "|" + nonce)
}

func expiryKey(expires time.Time, composite string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", expiryKeyPrefix, expires.UnixNano(), composite))
}

// Seen reports whether an unexpired claim exists for the pair.
func (s *LevelStore) Seen(_ context.Context, connectionID uuid.UUID, nonce string, now time.Time) (bool, error) {
	val, err := s.db.Get(claimKey(connectionID, nonce), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("lookup nonce: %w", err)
	}
	expires := time.Unix(0, int64(binary.BigEndian.Uint64(val)))
	return expires.After(now), nil
}

// Commit claims the pair, returning false for an unexpired duplicate. The
// store is pruned at most once per minute as a side effect.
func (s *LevelStore) Commit(ctx context.Context, connectionID uuid.UUID, nonce string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastPruned.IsZero() || now.Sub(s.lastPruned) >= pruneInterval {
		if err := s.pruneLocked(ctx, now); err != nil {
			return false, err
		}
		s.lastPruned = now
	}

	key := claimKey(connectionID, nonce)
	composite := connectionID.String() + "|" + nonce
	batch := new(leveldb.Batch)
	existing, err := s.db.Get(key, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		// Unclaimed: fall through to insert.
	case err != nil:
		return false, fmt.Errorf("lookup nonce: %w", err)
	default:
		prior := time.Unix(0, int64(binary.BigEndian.Uint64(existing)))
		if prior.After(now) {
			return false, nil
		}
		// Stale claim: drop its expiry index so pruning the old index can
		// never remove the fresh claim written below.
		batch.Delete(expiryKey(prior, composite))
	}

	expires := now.Add(s.ttl)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(expires.UnixNano()))
	batch.Put(key, buf)
	batch.Put(expiryKey(expires, composite), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("claim nonce: %w", err)
	}
	return true, nil
}

func (s *LevelStore) pruneLocked(ctx context.Context, now time.Time) error {
	cutoff := expiryKey(now, "")
	iter := s.db.NewIterator(util.BytesPrefix([]byte(expiryKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if string(iter.Key()) >= string(cutoff) {
			break
		}
		raw := string(iter.Key())
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) != 3 {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(claimKeyPrefix + parts[2]))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate expiry index: %w", err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return fmt.Errorf("prune nonces: %w", err)
		}
	}
	return nil
}

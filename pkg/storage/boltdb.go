package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vx11/vx11/pkg/types"
)

// FileName is the database file created inside the data directory
const FileName = "vx11.db"

var (
	// Bucket names
	bucketTransitions = []byte("transitions")
	bucketSnapshot    = []byte("snapshot")

	keyCurrent = []byte("current")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens (or creates) <dataDir>/vx11.db
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return OpenBoltStore(filepath.Join(dataDir, FileName), false)
}

// OpenBoltStore opens a database file directly. Read-only stores skip
// bucket creation and can be opened alongside a running gateway's backup.
func OpenBoltStore(path string, readOnly bool) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if !readOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, bucket := range [][]byte{bucketTransitions, bucketSnapshot} {
				if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
					return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return &BoltStore{db: db, path: path}, nil
}

// Path returns the database file path
func (s *BoltStore) Path() string { return s.path }

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Append(rec *types.Transition, snapshot types.WindowState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		log := tx.Bucket(bucketTransitions)
		seq, err := log.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		rec.Seq = seq

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := log.Put(seqKey(seq), data); err != nil {
			return fmt.Errorf("failed to append transition: %w", err)
		}

		snap, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshot).Put(keyCurrent, snap)
	})
}

func (s *BoltStore) Snapshot() (*types.WindowState, error) {
	var state *types.WindowState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		if b == nil {
			return nil
		}
		data := b.Get(keyCurrent)
		if data == nil {
			return nil
		}
		state = &types.WindowState{}
		return json.Unmarshal(data, state)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return state, nil
}

func (s *BoltStore) Transitions(limit int) ([]*types.Transition, error) {
	var out []*types.Transition
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		// Walk backwards from the newest record, then reverse.
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec types.Transition
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt transition %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Backup writes a consistent copy of the database to path
func (s *BoltStore) Backup(path string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0o600)
	})
}

// Prune drops all but the newest keep transitions and returns how many
// were removed. It breaks the append-only history and exists for offline
// maintenance only; the gateway never calls it. Sequence numbers are not reused, so the surviving tail stays
// contiguous. The snapshot is untouched.
func (s *BoltStore) Prune(keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative, got %d", keep)
	}
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		if b == nil {
			return nil
		}
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		if len(keys) <= keep {
			return nil
		}

		stale := keys[:len(keys)-keep]
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("failed to delete transition %d: %w", binary.BigEndian.Uint64(k), err)
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// seqKey encodes a sequence big-endian so bolt's byte ordering is log order
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

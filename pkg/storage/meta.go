package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

// NoVote is stored when the replica has not voted in the current term.
const NoVote = -1

var (
	metaBucket  = []byte("raft")
	termKey     = []byte("term")
	votedForKey = []byte("voted_for")
)

// MetaStore keeps the replica's current term and vote in a bolt database.
type MetaStore struct {
	db *bolt.DB
}

func OpenMeta(path string) (*MetaStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &MetaStore{db: db}, nil
}

// SaveState persists term and votedFor in a single transaction.
func (m *MetaStore) SaveState(term uint64, votedFor int) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if err := b.Put(termKey, itob(term)); err != nil {
			return err
		}
		return b.Put(votedForKey, itob(uint64(int64(votedFor))))
	})
}

// LoadState returns the persisted term and vote, or (0, NoVote) for a new store.
func (m *MetaStore) LoadState() (uint64, int, error) {
	term, votedFor := uint64(0), NoVote
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if v := b.Get(termKey); v != nil {
			if len(v) != 8 {
				return fmt.Errorf("%w: term has %d bytes", ErrCorrupted, len(v))
			}
			term = binary.BigEndian.Uint64(v)
		}
		if v := b.Get(votedForKey); v != nil {
			if len(v) != 8 {
				return fmt.Errorf("%w: voted_for has %d bytes", ErrCorrupted, len(v))
			}
			votedFor = int(int64(binary.BigEndian.Uint64(v)))
		}
		return nil
	})
	return term, votedFor, err
}

func (m *MetaStore) Close() error {
	return m.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

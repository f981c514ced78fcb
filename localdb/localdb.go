// Package localdb persists confirmed messages and profiles in a local
// BadgerDB so a reopened conversation renders before the network fetch
// lands. It is a cache of server state, never the outbox: pending and
// failed entries are not stored.
package localdb

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	tideline "github.com/tideline-app/tideline-go"
)

const (
	msgPrefix     = "msg:"
	profilePrefix = "profile:"
)

// Store is a Badger-backed local cache. It satisfies
// tideline.LocalStore.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open Badger database.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// storedMessage is the CBOR shape of one message row.
type storedMessage struct {
	ID          string `cbor:"1,keyasint"`
	SenderID    string `cbor:"2,keyasint"`
	RecipientID string `cbor:"3,keyasint"`
	Content     string `cbor:"4,keyasint"`
	MediaURL    string `cbor:"5,keyasint,omitempty"`
	Kind        string `cbor:"6,keyasint"`
	CreatedAt   int64  `cbor:"7,keyasint"` // unix nanos
	Read        bool   `cbor:"8,keyasint"`
}

func msgKey(key, id string, createdAt time.Time) []byte {
	// timestamp in the key keeps prefix iteration in chronological order
	return []byte(fmt.Sprintf("%s%s:%020d:%s", msgPrefix, key, createdAt.UnixNano(), id))
}

// PutMessage stores one confirmed message under the conversation key.
// Pending and failed entries are silently skipped.
func (s *Store) PutMessage(key string, m tideline.Message) error {
	if m.Delivery != tideline.DeliveryConfirmed || m.ID.IsLocal() || m.ID.IsZero() {
		return nil
	}
	rec := storedMessage{
		ID:          m.ID.String(),
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		MediaURL:    m.MediaURL,
		Kind:        string(m.Kind),
		CreatedAt:   m.CreatedAt.UnixNano(),
		Read:        m.Read,
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(msgKey(key, rec.ID, m.CreatedAt), data)
	})
}

// Messages returns the stored history of one conversation, oldest
// first.
func (s *Store) Messages(key string) ([]tideline.Message, error) {
	var out []tideline.Message
	prefix := []byte(msgPrefix + key + ":")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec storedMessage
				if err := cbor.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("decode message: %w", err)
				}
				out = append(out, tideline.Message{
					ID:          tideline.ServerID(rec.ID),
					SenderID:    rec.SenderID,
					RecipientID: rec.RecipientID,
					Content:     rec.Content,
					MediaURL:    rec.MediaURL,
					Kind:        tideline.Kind(rec.Kind),
					CreatedAt:   time.Unix(0, rec.CreatedAt).UTC(),
					Read:        rec.Read,
					Delivery:    tideline.DeliveryConfirmed,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// PutProfile caches a profile row.
func (s *Store) PutProfile(p tideline.ProfileRecord) error {
	data, err := cbor.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(profilePrefix+p.UserID), data)
	})
}

// Profile returns a cached profile, reporting whether it was present.
func (s *Store) Profile(userID string) (tideline.ProfileRecord, bool, error) {
	var p tideline.ProfileRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(profilePrefix + userID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &p)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return tideline.ProfileRecord{}, false, nil
	}
	if err != nil {
		return tideline.ProfileRecord{}, false, err
	}
	return p, true, nil
}

// Package store persists users, sessions and uploaded-file records in
// BadgerDB.
//
// Key layout:
//
//	user:<name>              User (JSON)
//	session:<token>          owner id (8 bytes, big endian), expires via TTL
//	file:<uid>:<name>        FileRecord (JSON)
//	seq:user                 badger sequence for user ids
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

var (
	// ErrNotFound is returned when a user, session or file does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUserExists is returned by CreateUser for a taken name.
	ErrUserExists = errors.New("store: user already exists")
)

const (
	prefixUser    = "user:"
	prefixSession = "session:"
	prefixFile    = "file:"
	keyUserSeq    = "seq:user"
)

// User is a registered account.
type User struct {
	ID           uint64    `json:"id"`
	Name         string    `json:"name"`
	PasswordHash []byte    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// FileRecord describes one uploaded file.
type FileRecord struct {
	Owner       uint64    `json:"owner"`
	Name        string    `json:"name"`
	Location    string    `json:"location"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// Config selects where the database lives.
type Config struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string `mapstructure:"dir" yaml:"dir"`

	// InMemory keeps everything in memory; nothing survives Close.
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory"`
}

// Store is a BadgerDB-backed store. It is safe for concurrent use.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("store: dir is required")
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	seq, err := db.GetSequence([]byte(keyUserSeq), 16)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open user sequence: %w", err)
	}
	return &Store{db: db, seq: seq}, nil
}

// Close releases the id sequence and closes the database.
func (s *Store) Close() error {
	return errors.Join(s.seq.Release(), s.db.Close())
}

func userKey(name string) []byte { return []byte(prefixUser + name) }

func sessionKey(token string) []byte { return []byte(prefixSession + token) }

func filePrefix(uid uint64) []byte {
	return []byte(prefixFile + strconv.FormatUint(uid, 10) + ":")
}

func fileKey(uid uint64, name string) []byte {
	return append(filePrefix(uid), name...)
}

// CreateUser registers name with the given password hash and assigns it
// a fresh id.
func (s *Store) CreateUser(ctx context.Context, name string, passwordHash []byte) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var user *User
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(userKey(name))
		if err == nil {
			return ErrUserExists
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		n, err := s.seq.Next()
		if err != nil {
			return fmt.Errorf("next user id: %w", err)
		}
		user = &User{
			ID:           n + 1,
			Name:         name,
			PasswordHash: passwordHash,
			CreatedAt:    time.Now().UTC(),
		}
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return txn.Set(userKey(name), data)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser looks a user up by name.
func (s *Store) GetUser(ctx context.Context, name string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var user User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(name))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &user)
		})
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// PutSession stores token for uid. It expires after ttl unless refreshed.
func (s *Store) PutSession(ctx context.Context, token string, uid uint64, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var val [8]byte
	binary.BigEndian.PutUint64(val[:], uid)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(sessionKey(token), val[:]).WithTTL(ttl))
	})
}

// GetSession returns the owner of a live session.
func (s *Store) GetSession(ctx context.Context, token string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var uid uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(token))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt session value (%d bytes)", len(val))
			}
			uid = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	return uid, err
}

// DeleteSession revokes token. Revoking an unknown token is not an error.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(token))
	})
}

// PutFile records an upload, replacing any record with the same name.
func (s *Store) PutFile(ctx context.Context, rec FileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fileKey(rec.Owner, rec.Name), data)
	})
}

// DeleteFile removes the record of uid's file name.
func (s *Store) DeleteFile(ctx context.Context, uid uint64, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := fileKey(uid, name)
		if _, err := txn.Get(key); err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

// ListFiles returns uid's file records ordered by name.
func (s *Store) ListFiles(ctx context.Context, uid uint64) ([]FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := make([]FileRecord, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = filePrefix(uid)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec FileRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrLocked means another process, normally a running serve, holds the
	// store's directory lock.
	ErrLocked = errors.New("dead-letter store is in use by another process")
)

// Store holds messages the consumer could not reconcile.
type Store interface {
	SaveDeadLetter(ctx context.Context, d *models.DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error
	Close() error
}

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the store at path. Badger's own logging
// goes to logger when one is given.
func NewBadgerStore(path string, logger *zap.Logger) (*BadgerStore, error) {
	return open(badger.DefaultOptions(filepath.Clean(path)), logger)
}

// NewInMemoryStore returns a store that lives only as long as the process.
func NewInMemoryStore(logger *zap.Logger) (*BadgerStore, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), logger)
}

func open(opts badger.Options, logger *zap.Logger) (*BadgerStore, error) {
	opts.Logger = nil
	if logger != nil {
		opts.Logger = badgerLogger{logger.Named("badger").Sugar()}
	}
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		if strings.Contains(err.Error(), "Cannot acquire directory lock") {
			return nil, fmt.Errorf("%w: %s: %v", ErrLocked, opts.Dir, err)
		}
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

const deadLetterPrefix = "deadletter:"

func deadLetterKey(id string) []byte {
	return []byte(deadLetterPrefix + id)
}

func (s *BadgerStore) SaveDeadLetter(ctx context.Context, d *models.DeadLetter) error {
	if d.ID == "" {
		return errors.New("dead letter id required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return txn.Set(deadLetterKey(d.ID), data)
	})
}

func (s *BadgerStore) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error) {
	var out models.DeadLetter
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(deadLetterKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDeadLetters returns up to limit entries in key order; ids are
// time-ordered so this is oldest first. limit <= 0 means all.
func (s *BadgerStore) ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	out := []*models.DeadLetter{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(deadLetterPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var d models.DeadLetter
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &d)
			}); err != nil {
				return err
			}
			out = append(out, &d)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) DeleteDeadLetter(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(deadLetterKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(deadLetterKey(id))
	})
}

type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }

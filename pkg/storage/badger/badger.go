// Package badger implements storage.Store on BadgerDB (LSM tree), the
// production backend.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/clicktally/clicktally/pkg/event"
	"github.com/clicktally/clicktally/pkg/storage"
)

// Key layout. Event and rollup keys start with the day string, so both
// sort by calendar day and day scans are prefix iterations.
//
//	e<day>/<id BE64>        -> RawEvent JSON
//	r<day>/<tuple hash 64>  -> DailyRollup JSON
//	s/rollup                -> RollupState JSON
//	m/last_event_id         -> BE64 counter
const (
	eventPrefix  = 'e'
	rollupPrefix = 'r'
)

var (
	stateKey  = []byte("s/rollup")
	lastIDKey = []byte("m/last_event_id")
)

// Store implements storage.Store using BadgerDB.
type Store struct {
	db     *badger.DB
	lastID atomic.Uint64
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = 48 MB default,
	// sized for small self-hosted installs).
	MaxMemoryMB int64
}

// New opens a BadgerDB store and seeds the event id counter from the last
// persisted value.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(1).
		WithValueThreshold(1024).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Store{db: db}
	if err := s.seedLastID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) seedLastID() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lastIDKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event id counter: %w", err)
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				s.lastID.Store(binary.BigEndian.Uint64(val))
			}
			return nil
		})
	})
}

// AppendEvent persists an event under the next id.
func (s *Store) AppendEvent(ctx context.Context, ev event.RawEvent) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	id := s.lastID.Add(1)
	ev.ID = id

	value, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}

	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, id)

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(eventKey(ev.Day(), id), value); err != nil {
			return err
		}
		return txn.Set(lastIDKey, idBuf)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write event: %w", err)
	}
	return id, nil
}

// ScanDay returns every event stored under the given day, ordered by id
// (the key suffix is the big-endian id, so prefix iteration is id order).
func (s *Store) ScanDay(ctx context.Context, day event.Day) ([]event.RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var results []event.RawEvent
	prefix := dayPrefix(eventPrefix, day)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		count := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
			if count%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			err := it.Item().Value(func(val []byte) error {
				var ev event.RawEvent
				if err := json.Unmarshal(val, &ev); err != nil {
					return fmt.Errorf("failed to decode event: %w", err)
				}
				results = append(results, ev)
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
	return results, nil
}

// MaxEventID returns the highest assigned event id.
func (s *Store) MaxEventID(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.lastID.Load(), nil
}

// DeleteEventsBefore removes events older than cutoff. Whole days before
// the cutoff day are deleted by key alone; the cutoff day itself needs the
// event timestamp.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cutoffDay := event.DayOf(cutoff)
	deleted := 0

	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{eventPrefix}

		it := txn.NewIterator(opts)
		defer it.Close()

		var keysToDelete [][]byte
		count := 0

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			count++
			if count%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			item := it.Item()
			day, ok := dayFromKey(item.Key())
			if !ok {
				continue
			}
			if day.After(cutoffDay) {
				break // keys are day-ordered, nothing older remains
			}

			if day == cutoffDay {
				var keep bool
				err := item.Value(func(val []byte) error {
					var ev event.RawEvent
					if err := json.Unmarshal(val, &ev); err != nil {
						return err
					}
					keep = !ev.Timestamp.Before(cutoff)
					return nil
				})
				if err != nil {
					return err
				}
				if keep {
					continue
				}
			}

			keysToDelete = append(keysToDelete, item.KeyCopy(nil))
		}

		for _, key := range keysToDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		deleted = len(keysToDelete)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	return deleted, nil
}

// MergeRollups applies add-or-insert deltas inside a single transaction, so
// the read-add-write per row is atomic.
func (s *Store) MergeRollups(ctx context.Context, deltas []event.DailyRollup) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return mergeDeltas(txn, deltas)
	})
	if err != nil {
		return fmt.Errorf("failed to merge rollups: %w", err)
	}
	return nil
}

// CommitRollup merges deltas and writes the watermark state in the same
// transaction, so a failed commit leaves both untouched.
func (s *Store) CommitRollup(ctx context.Context, deltas []event.DailyRollup, st event.RollupState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stateValue, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode rollup state: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := mergeDeltas(txn, deltas); err != nil {
			return err
		}
		return txn.Set(stateKey, stateValue)
	})
	if err != nil {
		return fmt.Errorf("failed to commit rollup: %w", err)
	}
	return nil
}

// mergeDeltas applies add-or-insert deltas inside the given transaction.
func mergeDeltas(txn *badger.Txn, deltas []event.DailyRollup) error {
	for _, d := range deltas {
		key := rollupKey(d.RollupKey)
		row := d

		item, err := txn.Get(key)
		switch err {
		case nil:
			var existing event.DailyRollup
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return fmt.Errorf("failed to decode rollup: %w", err)
			}
			row.Clicks += existing.Clicks
		case badger.ErrKeyNotFound:
			// insert as-is
		default:
			return err
		}

		value, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to encode rollup: %w", err)
		}
		if err := txn.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

// QueryRollups scans the day range and applies dimension filters.
func (s *Store) QueryRollups(ctx context.Context, q storage.RollupQuery) ([]event.DailyRollup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var results []event.DailyRollup

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{rollupPrefix}

		it := txn.NewIterator(opts)
		defer it.Close()

		seek := opts.Prefix
		if q.Start != "" {
			seek = dayPrefix(rollupPrefix, q.Start)
		}

		count := 0
		for it.Seek(seek); it.ValidForPrefix(opts.Prefix); it.Next() {
			count++
			if count%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			item := it.Item()
			if q.End != "" {
				if day, ok := dayFromKey(item.Key()); ok && day.After(q.End) {
					break
				}
			}

			err := item.Value(func(val []byte) error {
				var r event.DailyRollup
				if err := json.Unmarshal(val, &r); err != nil {
					return fmt.Errorf("failed to decode rollup: %w", err)
				}
				if q.Matches(r) {
					results = append(results, r)
				}
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
	return results, nil
}

// DeleteRollupsBefore removes rollup rows for days earlier than cutoff.
func (s *Store) DeleteRollupsBefore(ctx context.Context, cutoff event.Day) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{rollupPrefix}
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		var keysToDelete [][]byte
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			day, ok := dayFromKey(item.Key())
			if !ok {
				continue
			}
			if string(day) >= string(cutoff) {
				break
			}
			keysToDelete = append(keysToDelete, item.KeyCopy(nil))
		}

		for _, key := range keysToDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		deleted = len(keysToDelete)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete rollups: %w", err)
	}
	return deleted, nil
}

// RollupState returns the persisted watermark state (zero when absent).
func (s *Store) RollupState(ctx context.Context) (event.RollupState, error) {
	if err := ctx.Err(); err != nil {
		return event.RollupState{}, err
	}

	var st event.RollupState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &st)
		})
	})
	if err != nil {
		return event.RollupState{}, fmt.Errorf("failed to read rollup state: %w", err)
	}
	return st, nil
}

// Stats returns storage statistics.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &storage.Stats{}
	pages := make(map[string]struct{})
	names := make(map[string]struct{})

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		count := 0
		for it.Rewind(); it.Valid(); it.Next() {
			count++
			if count%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			item := it.Item()
			key := item.Key()
			if len(key) == 0 {
				continue
			}

			switch key[0] {
			case eventPrefix:
				err := item.Value(func(val []byte) error {
					var ev event.RawEvent
					if err := json.Unmarshal(val, &ev); err != nil {
						return err
					}
					stats.TotalEvents++
					pages[ev.PageHash] = struct{}{}
					names[ev.EventName] = struct{}{}
					if stats.OldestEvent.IsZero() || ev.Timestamp.Before(stats.OldestEvent) {
						stats.OldestEvent = ev.Timestamp
					}
					if stats.NewestEvent.IsZero() || ev.Timestamp.After(stats.NewestEvent) {
						stats.NewestEvent = ev.Timestamp
					}
					return nil
				})
				if err != nil {
					return err
				}
			case rollupPrefix:
				err := item.Value(func(val []byte) error {
					var r event.DailyRollup
					if err := json.Unmarshal(val, &r); err != nil {
						return err
					}
					stats.TotalRollups++
					stats.TotalClicks += r.Clicks
					if stats.EarliestDay == "" || string(r.Day) < string(stats.EarliestDay) {
						stats.EarliestDay = r.Day
					}
					if stats.LatestDay == "" || r.Day.After(stats.LatestDay) {
						stats.LatestDay = r.Day
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stats.UniquePages = uint64(len(pages))
	stats.UniqueEvents = uint64(len(names))
	return stats, nil
}

// RunGC runs BadgerDB's value log garbage collection to reclaim disk space
// from deleted events. Returns badger's error when no rewrite was needed.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Close shuts down BadgerDB cleanly.
func (s *Store) Close() error {
	return s.db.Close()
}

func eventKey(day event.Day, id uint64) []byte {
	key := make([]byte, 0, 1+len(day)+1+8)
	key = append(key, eventPrefix)
	key = append(key, day...)
	key = append(key, '/')
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, id)
	return append(key, idBuf...)
}

func rollupKey(k event.RollupKey) []byte {
	key := make([]byte, 0, 1+len(k.Day)+1+8)
	key = append(key, rollupPrefix)
	key = append(key, k.Day...)
	key = append(key, '/')
	hashBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(hashBuf, xxhash.Sum64String(k.String()))
	return append(key, hashBuf...)
}

func dayPrefix(prefix byte, day event.Day) []byte {
	key := make([]byte, 0, 1+len(day)+1)
	key = append(key, prefix)
	key = append(key, day...)
	return append(key, '/')
}

// dayFromKey extracts the day component from an event or rollup key.
func dayFromKey(key []byte) (event.Day, bool) {
	if len(key) < 1+len(event.DayFormat) {
		return "", false
	}
	return event.Day(key[1 : 1+len(event.DayFormat)]), true
}

// Package quota is the quota accountant (QA) from spec.md §4.2: two named,
// non-refundable daily counters backed by an embedded KV store so a
// reservation survives a crash without a relational round trip.
package quota

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/chainmirror/synch/internal/errs"
)

// Pool names the two counters spec.md §4.2 defines.
type Pool string

const (
	PoolSync   Pool = "sync"
	PoolSignup Pool = "signup"
)

// DefaultCaps mirrors spec.md §4.2's defaults (sync 9500, signup 500).
func DefaultCaps() map[Pool]int64 {
	return map[Pool]int64{
		PoolSync:   9500,
		PoolSignup: 500,
	}
}

// Accountant tracks consumption against Caps, reset implicitly at UTC
// midnight by keying every counter on the pool and the UTC calendar date.
type Accountant struct {
	db   *badger.DB
	caps map[Pool]int64
}

// Open opens (or creates) the badger store at dir.
func Open(dir string) (*Accountant, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open quota store: %w", err)
	}
	return &Accountant{db: db, caps: DefaultCaps()}, nil
}

// Close releases the badger store.
func (a *Accountant) Close() error { return a.db.Close() }

// SetCap overrides a pool's daily cap; intended for configuration wiring at
// startup, not for runtime mutation.
func (a *Accountant) SetCap(pool Pool, cap int64) { a.caps[pool] = cap }

func dayKey(pool Pool, now time.Time) []byte {
	return []byte(string(pool) + "|" + now.UTC().Format("2006-01-02"))
}

// Reserve is the per-pool critical section required by spec.md §5: a single
// badger transaction reads the current count, compares against the cap, and
// conditionally writes. Reservations are non-refundable (spec.md §9's
// preserved open question) — a caller that reserves and then fails to use
// the quota has no way to give it back.
func (a *Accountant) Reserve(ctx context.Context, pool Pool, n int64) (bool, error) {
	limit, known := a.caps[pool]
	if !known {
		return false, errs.New(errs.Unknown, fmt.Sprintf("unknown quota pool %q", pool))
	}

	granted := false
	err := a.db.Update(func(txn *badger.Txn) error {
		key := dayKey(pool, time.Now())
		current, err := readCounter(txn, key)
		if err != nil {
			return err
		}
		if current+n > limit {
			granted = false
			return nil
		}
		granted = true
		return writeCounter(txn, key, current+n)
	})
	if err != nil {
		return false, errs.Wrap(errs.NotConnected, "quota store unavailable", err)
	}
	return granted, nil
}

// Consumed returns today's running total for pool, for observability.
func (a *Accountant) Consumed(pool Pool) (int64, error) {
	var current int64
	err := a.db.View(func(txn *badger.Txn) error {
		c, err := readCounter(txn, dayKey(pool, time.Now()))
		current = c
		return err
	})
	if err != nil {
		return 0, errs.Wrap(errs.NotConnected, "quota store unavailable", err)
	}
	return current, nil
}

func readCounter(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var current int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return nil
		}
		current = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return current, err
}

func writeCounter(txn *badger.Txn, key []byte, value int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	return txn.Set(key, buf)
}

// ReserveOrQuotaError is a convenience wrapper for call sites (MP, DL) that
// want a QuotaLimitExceeded error rather than a bool, matching the §7
// propagation policy: quota kinds abort the current cycle for the pool.
func (a *Accountant) ReserveOrQuotaError(ctx context.Context, pool Pool, n int64) error {
	ok, err := a.Reserve(ctx, pool, n)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.QuotaLimitExceeded, fmt.Sprintf("pool %q exhausted for today", pool))
	}
	return nil
}

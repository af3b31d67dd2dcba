// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package snapshot persists the operation log and periodic state slices in a
// bbolt database. Together they let a restarted engine rebuild its in-memory
// state: the newest slice is restored, then every operation logged after it
// is replayed.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openexch/matchengine/dex"
	"github.com/openexch/matchengine/dex/encode"
	"github.com/openexch/matchengine/dex/order"
	"github.com/openexch/matchengine/server/balance"
	"go.etcd.io/bbolt"
)

const (
	// BlockedQueueLen is the number of unwritten operations at which the
	// store reports itself blocked.
	BlockedQueueLen = 100
	// queueCap bounds the write queue. It is well above BlockedQueueLen since
	// the engine stops accepting mutations at that point, but a slice and a
	// few in-flight entries may still arrive.
	queueCap = 4096

	dbVersion    = 0
	entryVersion = 0
	sliceVersion = 0
)

// ErrQueueFull is returned when a write cannot be queued.
const ErrQueueFull = dex.ErrorKind("snapshot write queue full")

/*
 * Schema:
 *
 * - meta
 *   - version
 *   - instance -> <uuid>
 * - operlog
 *   - <id> -> <entry>
 * - slices
 *   - <seq> -> <slice>
 */

var (
	metaBucket    = []byte("meta")
	operlogBucket = []byte("operlog")
	slicesBucket  = []byte("slices")

	versionKey  = []byte("version")
	instanceKey = []byte("instance")
)

// Entry is a logged mutating command. Params is the raw positional parameter
// array exactly as the command received it.
type Entry struct {
	ID     uint64          `json:"id"`
	Time   time.Time       `json:"time"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Slice is a point-in-time copy of the engine state. LastOperlog is the id of
// the last operation reflected in it.
type Slice struct {
	Time        time.Time                `json:"time"`
	Instance    uuid.UUID                `json:"instance"`
	LastOrder   uint64                   `json:"last_order"`
	LastDeal    uint64                   `json:"last_deal"`
	LastOperlog uint64                   `json:"last_operlog"`
	Balances    []*balance.Entry         `json:"-"`
	Orders      []*order.Order           `json:"-"`
	Updates     []*balance.AppliedUpdate `json:"-"`
}

// write is a queued database update. done, if not nil, receives the result.
type write struct {
	desc string
	fn   func(tx *bbolt.Tx) error
	done chan error
}

// Config is the configuration of the Store.
type Config struct {
	// Path is the database file.
	Path string
	// SliceKeep is the number of slices retained. Older slices, and operlog
	// entries already reflected in the oldest retained slice, are deleted.
	SliceKeep int
}

// Store is the operation log and slice database. Writes are queued and
// applied in order by Run, so a slice queued after an operlog entry is
// always written after it.
type Store struct {
	db       *bbolt.DB
	keep     int
	instance uuid.UUID
	queue    chan *write
	pending  atomic.Int64
	// lastOperlog is the id of the last entry queued. It is only advanced by
	// AppendOperlog, which is called from the engine's loop.
	lastOperlog atomic.Uint64

	closeOnce sync.Once
}

// Open opens or creates the database at cfg.Path.
func Open(cfg *Config) (*Store, error) {
	if cfg.SliceKeep < 1 {
		return nil, fmt.Errorf("slice keep must be at least 1, got %d", cfg.SliceKeep)
	}
	db, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", cfg.Path, err)
	}

	s := &Store{
		db:    db,
		keep:  cfg.SliceKeep,
		queue: make(chan *write, queueCap),
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		for _, name := range [][]byte{operlogBucket, slicesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if v := meta.Get(versionKey); v != nil {
			if ver := encode.BytesToUint64(v); ver != dbVersion {
				return fmt.Errorf("unknown database version %d", ver)
			}
		} else if err := meta.Put(versionKey, encode.Uint64Bytes(dbVersion)); err != nil {
			return err
		}
		if b := meta.Get(instanceKey); b != nil {
			if s.instance, err = uuid.FromBytes(b); err != nil {
				return fmt.Errorf("corrupt instance id: %w", err)
			}
		} else {
			s.instance = uuid.New()
			if err := meta.Put(instanceKey, s.instance[:]); err != nil {
				return err
			}
		}
		if k, _ := tx.Bucket(operlogBucket).Cursor().Last(); k != nil {
			s.lastOperlog.Store(encode.BytesToUint64(k))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Opened snapshot database %s (instance %s, last operation %d)",
		cfg.Path, s.instance, s.lastOperlog.Load())
	return s, nil
}

// Instance is the id generated when the database was created.
func (s *Store) Instance() uuid.UUID {
	return s.instance
}

// LastOperlogID is the id of the last operation logged.
func (s *Store) LastOperlogID() uint64 {
	return s.lastOperlog.Load()
}

// Pending is the number of queued writes.
func (s *Store) Pending() int {
	return int(s.pending.Load())
}

// IsBlocked reports whether the write queue has backed up.
func (s *Store) IsBlocked() bool {
	return s.pending.Load() >= BlockedQueueLen
}

func (s *Store) enqueue(w *write) error {
	s.pending.Add(1)
	select {
	case s.queue <- w:
		return nil
	default:
		s.pending.Add(-1)
		return ErrQueueFull
	}
}

// AppendOperlog assigns the next operation id and queues the entry. It must
// only be called from one goroutine.
func (s *Store) AppendOperlog(t time.Time, method string, params json.RawMessage) (uint64, error) {
	id := s.lastOperlog.Load() + 1
	entry := &Entry{
		ID:     id,
		Time:   t,
		Method: method,
		Params: params,
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}
	if err := encode.CheckLen(b); err != nil {
		return 0, err
	}
	v := encode.BuildyBytes{entryVersion}.AddData(b)
	err = s.enqueue(&write{
		desc: fmt.Sprintf("operation %d", id),
		fn: func(tx *bbolt.Tx) error {
			return tx.Bucket(operlogBucket).Put(encode.Uint64Bytes(id), v)
		},
	})
	if err != nil {
		return 0, err
	}
	s.lastOperlog.Store(id)
	return id, nil
}

func encodeSlice(sl *Slice) ([]byte, error) {
	hdr, err := json.Marshal(sl)
	if err != nil {
		return nil, err
	}
	bals, err := json.Marshal(sl.Balances)
	if err != nil {
		return nil, err
	}
	ords, err := json.Marshal(sl.Orders)
	if err != nil {
		return nil, err
	}
	upds, err := json.Marshal(sl.Updates)
	if err != nil {
		return nil, err
	}
	if err := encode.CheckLen(hdr, bals, ords, upds); err != nil {
		return nil, err
	}
	return encode.BuildyBytes{sliceVersion}.AddData(hdr).AddData(bals).AddData(ords).AddData(upds), nil
}

func decodeSlice(b []byte) (*Slice, error) {
	pushes, err := encode.DecodeVersioned(b, sliceVersion, 4)
	if err != nil {
		return nil, err
	}
	sl := new(Slice)
	if err := json.Unmarshal(pushes[0], sl); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if err := json.Unmarshal(pushes[1], &sl.Balances); err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}
	if err := json.Unmarshal(pushes[2], &sl.Orders); err != nil {
		return nil, fmt.Errorf("orders: %w", err)
	}
	if err := json.Unmarshal(pushes[3], &sl.Updates); err != nil {
		return nil, fmt.Errorf("updates: %w", err)
	}
	return sl, nil
}

// SaveSlice queues the slice behind every operation already logged. The
// returned channel receives the result once it is written.
func (s *Store) SaveSlice(sl *Slice) (<-chan error, error) {
	sl.Instance = s.instance
	b, err := encodeSlice(sl)
	if err != nil {
		return nil, fmt.Errorf("error encoding slice: %w", err)
	}
	done := make(chan error, 1)
	err = s.enqueue(&write{
		desc: fmt.Sprintf("slice at operation %d", sl.LastOperlog),
		fn: func(tx *bbolt.Tx) error {
			return s.putSlice(tx, b, sl.LastOperlog)
		},
		done: done,
	})
	if err != nil {
		return nil, err
	}
	return done, nil
}

func (s *Store) putSlice(tx *bbolt.Tx, b []byte, lastOperlog uint64) error {
	slices := tx.Bucket(slicesBucket)
	seq, err := slices.NextSequence()
	if err != nil {
		return err
	}
	if err := slices.Put(encode.Uint64Bytes(seq), b); err != nil {
		return err
	}

	// Keep the newest s.keep slices.
	var stale [][]byte
	c := slices.Cursor()
	n := 0
	for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
		n++
		if n > s.keep {
			stale = append(stale, encode.CopySlice(k))
		}
	}
	for _, k := range stale {
		if err := slices.Delete(k); err != nil {
			return err
		}
	}

	// Operations reflected in the oldest remaining slice are no longer
	// needed for a restore.
	k, v := slices.Cursor().First()
	if k == nil {
		return nil
	}
	oldest, err := decodeSliceHeader(v)
	if err != nil {
		return err
	}
	var trimmed int
	oc := tx.Bucket(operlogBucket).Cursor()
	for k, _ := oc.First(); k != nil && encode.BytesToUint64(k) <= oldest.LastOperlog; k, _ = oc.First() {
		if err := oc.Delete(); err != nil {
			return err
		}
		trimmed++
	}
	log.Debugf("Saved slice %d at operation %d, dropped %d slices and %d operations",
		seq, lastOperlog, len(stale), trimmed)
	return nil
}

func decodeSliceHeader(b []byte) (*Slice, error) {
	pushes, err := encode.DecodeVersioned(b, sliceVersion, 4)
	if err != nil {
		return nil, err
	}
	sl := new(Slice)
	return sl, json.Unmarshal(pushes[0], sl)
}

// LoadLatest returns the newest slice, or nil if none has been saved.
func (s *Store) LoadLatest() (sl *Slice, err error) {
	return sl, s.db.View(func(tx *bbolt.Tx) error {
		k, v := tx.Bucket(slicesBucket).Cursor().Last()
		if k == nil {
			return nil
		}
		sl, err = decodeSlice(v)
		if err != nil {
			return fmt.Errorf("slice %d: %w", encode.BytesToUint64(k), err)
		}
		return nil
	})
}

// SliceCount is the number of stored slices.
func (s *Store) SliceCount() (n int, err error) {
	return n, s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(slicesBucket).Stats().KeyN
		return nil
	})
}

// Operlogs calls fn for every logged operation with an id above after, in id
// order. Iteration stops at the first error.
func (s *Store) Operlogs(after uint64, fn func(*Entry) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(operlogBucket).Cursor()
		for k, v := c.Seek(encode.Uint64Bytes(after + 1)); k != nil; k, v = c.Next() {
			pushes, err := encode.DecodeVersioned(v, entryVersion, 1)
			if err != nil {
				return fmt.Errorf("operation %d: %w", encode.BytesToUint64(k), err)
			}
			entry := new(Entry)
			if err := json.Unmarshal(pushes[0], entry); err != nil {
				return fmt.Errorf("operation %d: %w", encode.BytesToUint64(k), err)
			}
			if err := fn(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) apply(w *write) {
	err := s.db.Update(w.fn)
	s.pending.Add(-1)
	if err != nil {
		log.Errorf("Error writing %s: %v", w.desc, err)
	}
	if w.done != nil {
		w.done <- err
	}
}

// Run applies queued writes one at a time until ctx is canceled, then drains
// the queue and closes the database.
func (s *Store) Run(ctx context.Context) {
	defer s.Close()
	for {
		select {
		case w := <-s.queue:
			s.apply(w)
		case <-ctx.Done():
			for len(s.queue) > 0 {
				s.apply(<-s.queue)
			}
			log.Infof("Snapshot writer stopped at operation %d", s.lastOperlog.Load())
			return
		}
	}
}

// Close closes the database. Queued writes that Run has not applied are lost.
// Closing again is a no-op.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

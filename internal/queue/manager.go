package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/models"
)

// record is the internal structure stored in Badger for one queued job.
type record struct {
	ID         string              `json:"id"`
	Body       models.QueueMessage `json:"body"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
	VisibleAt  time.Time           `json:"visible_at"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	Attempts   int                 `json:"attempts"`
	LastError  string              `json:"last_error,omitempty"`
}

// Counters tracks per-lane job accounting.
type Counters struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type laneCounters struct {
	waiting   atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// Manager implements two durable queue lanes (capture, processing) over
// BadgerDB. Ordering is priority descending, then enqueue time ascending,
// with the record id as a deterministic tie-break; the ordering is encoded
// in the index key so a single forward iteration yields the next job.
type Manager struct {
	db                *badger.DB
	logger            arbor.ILogger
	visibilityTimeout time.Duration
	maxAttempts       int
	counters          map[models.Lane]*laneCounters
}

// NewManager creates a queue manager over an open Badger DB and recounts
// waiting jobs from the persisted indexes (crash recovery).
func NewManager(db *badger.DB, logger arbor.ILogger, visibilityTimeout time.Duration, maxAttempts int) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	m := &Manager{
		db:                db,
		logger:            logger,
		visibilityTimeout: visibilityTimeout,
		maxAttempts:       maxAttempts,
		counters: map[models.Lane]*laneCounters{
			models.LaneCapture:    {},
			models.LaneProcessing: {},
		},
	}

	for lane := range m.counters {
		n, err := m.countIndexed(lane)
		if err != nil {
			return nil, fmt.Errorf("failed to recount lane %s: %w", lane, err)
		}
		m.counters[lane].waiting.Store(n)
		logger.Info().Str("lane", string(lane)).Int64("waiting", n).Msg("Queue lane recovered")
	}

	return m, nil
}

func (m *Manager) msgKey(lane models.Lane, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", lane, id))
}

// indexKey orders by inverted priority (higher priority sorts first), then
// visibility time, then id.
func (m *Manager) indexKey(lane models.Lane, priority int, visibleAt time.Time, id string) []byte {
	if priority < 0 {
		priority = 0
	}
	if priority > 999 {
		priority = 999
	}
	return []byte(fmt.Sprintf("queue:%s:index:%03d:%020d:%s", lane, 999-priority, visibleAt.UnixNano(), id))
}

func (m *Manager) indexPrefix(lane models.Lane) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", lane))
}

// parseIndexKey extracts (priority, visibleAt, id) from an index key.
func (m *Manager) parseIndexKey(lane models.Lane, key []byte) (int, time.Time, string, error) {
	rest := strings.TrimPrefix(string(key), string(m.indexPrefix(lane)))
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return 0, time.Time{}, "", fmt.Errorf("malformed index key %q", key)
	}
	inv, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, time.Time{}, "", err
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, "", err
	}
	return 999 - inv, time.Unix(0, nanos), parts[2], nil
}

// Enqueue adds a message to a lane, immediately visible.
func (m *Manager) Enqueue(ctx context.Context, lane models.Lane, msg models.QueueMessage) error {
	return m.enqueueAt(ctx, lane, msg, time.Now())
}

// EnqueueWithDelay adds a message that becomes visible after the delay.
func (m *Manager) EnqueueWithDelay(ctx context.Context, lane models.Lane, msg models.QueueMessage, delay time.Duration) error {
	return m.enqueueAt(ctx, lane, msg, time.Now().Add(delay))
}

func (m *Manager) enqueueAt(ctx context.Context, lane models.Lane, msg models.QueueMessage, visibleAt time.Time) error {
	rec := record{
		ID:         uuid.New().String(),
		Body:       msg,
		EnqueuedAt: time.Now(),
		VisibleAt:  visibleAt,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal queue record: %w", err)
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(m.msgKey(lane, rec.ID), data); err != nil {
			return err
		}
		return txn.Set(m.indexKey(lane, msg.Priority, visibleAt, rec.ID), []byte{})
	})
	if err != nil {
		return err
	}

	m.counters[lane].waiting.Add(1)
	return nil
}

// Delivery is one claimed message plus the acknowledgement callbacks the
// worker uses to settle it.
type Delivery struct {
	Msg      models.QueueMessage
	ID       string
	Attempts int

	manager *Manager
	lane    models.Lane
	indexed []byte // index key holding the in-flight visibility slot
}

// Receive claims the next visible message in a lane. Returns
// models.ErrNoMessage when nothing is eligible.
func (m *Manager) Receive(ctx context.Context, lane models.Lane) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		claimed    record
		newIndex   []byte
		dropped    int64
		reclaiming bool
	)

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix(lane)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			priority, visibleAt, id, err := m.parseIndexKey(lane, key)
			if err != nil {
				continue // skip malformed keys
			}
			if visibleAt.After(now) {
				// Not yet visible. Ordering is priority-first, so later
				// priorities may still hold ready messages - keep going.
				continue
			}

			item, err := txn.Get(m.msgKey(lane, id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					// Orphaned index entry, clean it up.
					if derr := txn.Delete(key); derr != nil {
						return derr
					}
					continue
				}
				return err
			}

			var rec record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}

			// Poison-pill guard: messages redelivered past max attempts
			// are dropped so they cannot loop forever.
			if rec.Attempts >= m.maxAttempts {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(m.msgKey(lane, id)); err != nil {
					return err
				}
				m.logger.Warn().
					Str("lane", string(lane)).
					Str("scan_id", rec.Body.ScanID).
					Int("attempts", rec.Attempts).
					Msg("Dropping message past max attempts")
				dropped++
				continue
			}

			// A non-nil StartedAt means this claim reclaims a message
			// whose previous worker overran the visibility timeout; the
			// message never went back to waiting in between.
			reclaiming = rec.StartedAt != nil

			started := time.Now()
			rec.Attempts++
			rec.StartedAt = &started
			rec.VisibleAt = started.Add(m.visibilityTimeout)

			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(m.msgKey(lane, id), data); err != nil {
				return err
			}

			// Move the index entry to the redelivery slot.
			reindexed := m.indexKey(lane, priority, rec.VisibleAt, id)
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(reindexed, []byte{}); err != nil {
				return err
			}

			claimed = rec
			newIndex = reindexed
			return nil
		}

		return models.ErrNoMessage
	})
	if dropped > 0 {
		m.counters[lane].waiting.Add(-dropped)
		m.counters[lane].failed.Add(dropped)
	}
	if err != nil {
		return nil, err
	}

	if !reclaiming {
		m.counters[lane].waiting.Add(-1)
	}
	m.counters[lane].active.Add(1)

	return &Delivery{
		Msg:      claimed.Body,
		ID:       claimed.ID,
		Attempts: claimed.Attempts,
		manager:  m,
		lane:     lane,
		indexed:  newIndex,
	}, nil
}

// superseded reports whether this delivery's claim has been overtaken:
// the message is gone (already settled elsewhere) or another worker
// reclaimed it after the visibility timeout and bumped the attempt
// count. A superseded delivery must not touch the record; only the
// surviving claim settles.
func (d *Delivery) superseded(txn *badger.Txn) (bool, *record, error) {
	item, err := txn.Get(d.manager.msgKey(d.lane, d.ID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return true, nil, nil
		}
		return false, nil, err
	}
	var rec record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return false, nil, err
	}
	return rec.Attempts != d.Attempts, &rec, nil
}

func (d *Delivery) logSuperseded(action string) {
	d.manager.logger.Warn().
		Str("lane", string(d.lane)).
		Str("scan_id", d.Msg.ScanID).
		Int("attempts", d.Attempts).
		Str("action", action).
		Msg("Delivery superseded after visibility timeout, settle ignored")
}

// Done acknowledges successful processing and removes the message.
func (d *Delivery) Done() error {
	stale := false
	err := d.manager.db.Update(func(txn *badger.Txn) error {
		var err error
		if stale, _, err = d.superseded(txn); err != nil || stale {
			return err
		}
		if err := txn.Delete(d.indexed); err != nil {
			return err
		}
		return txn.Delete(d.manager.msgKey(d.lane, d.ID))
	})
	if err != nil {
		return err
	}
	d.manager.counters[d.lane].active.Add(-1)
	if stale {
		d.logSuperseded("done")
		return nil
	}
	d.manager.counters[d.lane].completed.Add(1)
	return nil
}

// Retry requeues the message with a delay, recording the error. The
// attempt count persists across redeliveries.
func (d *Delivery) Retry(delay time.Duration, lastError string) error {
	visibleAt := time.Now().Add(delay)

	stale := false
	err := d.manager.db.Update(func(txn *badger.Txn) error {
		var rec *record
		var err error
		if stale, rec, err = d.superseded(txn); err != nil || stale {
			return err
		}

		rec.VisibleAt = visibleAt
		rec.StartedAt = nil
		rec.LastError = lastError

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(d.manager.msgKey(d.lane, d.ID), data); err != nil {
			return err
		}

		if err := txn.Delete(d.indexed); err != nil {
			return err
		}
		return txn.Set(d.manager.indexKey(d.lane, rec.Body.Priority, visibleAt, d.ID), []byte{})
	})
	if err != nil {
		return err
	}

	d.manager.counters[d.lane].active.Add(-1)
	if stale {
		d.logSuperseded("retry")
		return nil
	}
	d.manager.counters[d.lane].waiting.Add(1)
	return nil
}

// Fail terminally removes the message and records the failure.
func (d *Delivery) Fail(lastError string) error {
	stale := false
	err := d.manager.db.Update(func(txn *badger.Txn) error {
		var err error
		if stale, _, err = d.superseded(txn); err != nil || stale {
			return err
		}
		if err := txn.Delete(d.indexed); err != nil {
			return err
		}
		return txn.Delete(d.manager.msgKey(d.lane, d.ID))
	})
	if err != nil {
		return err
	}
	d.manager.counters[d.lane].active.Add(-1)
	if stale {
		d.logSuperseded("fail")
		return nil
	}
	d.manager.counters[d.lane].failed.Add(1)
	d.manager.logger.Debug().
		Str("lane", string(d.lane)).
		Str("scan_id", d.Msg.ScanID).
		Str("error", lastError).
		Msg("Message terminally failed")
	return nil
}

// MaxAttempts returns the configured redelivery ceiling.
func (m *Manager) MaxAttempts() int {
	return m.maxAttempts
}

// Depth returns the number of waiting jobs in a lane.
func (m *Manager) Depth(lane models.Lane) int {
	return int(m.counters[lane].waiting.Load())
}

// Stats returns a snapshot of a lane's counters.
func (m *Manager) Stats(lane models.Lane) Counters {
	c := m.counters[lane]
	return Counters{
		Waiting:   c.waiting.Load(),
		Active:    c.active.Load(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
	}
}

// countIndexed counts index entries in a lane (startup recovery).
func (m *Manager) countIndexed(lane models.Lane) (int64, error) {
	var n int64
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix(lane)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

package reconcile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/rickgao/polls-live/internal/bus"
)

// MaxPending bounds the number of upserts held before the first snapshot.
const MaxPending = 1000

const changeTopic = "change"

// KeyFunc extracts the identity of an entity. It returns an error for
// entities that have no usable id.
type KeyFunc[K comparable, T any] func(T) (K, error)

// ChangeKind describes how the collection changed.
type ChangeKind string

const (
	ChangeReset    ChangeKind = "reset"    // Initialize replaced the collection
	ChangeInserted ChangeKind = "inserted" // new entity at the front
	ChangeUpdated  ChangeKind = "updated"  // existing entity replaced in place
)

// Change is emitted after every mutation of the collection.
type Change[T any] struct {
	Kind  ChangeKind
	Item  T   // zero for ChangeReset
	Index int // position of Item; 0 for ChangeReset
	Len   int // collection length after the change
}

// Stats contains reconciler counters.
type Stats struct {
	Upserts  int64
	Inserted int64
	Updated  int64
	Rejected int64
	Buffered int64
	Resets   int64
}

// Reconciler holds an ordered, id-unique collection and folds snapshots and
// per-entity updates into it.
//
// Upserts that arrive before the first Initialize are buffered in arrival
// order and replayed on top of the snapshot once it is applied.
type Reconciler[K comparable, T any] struct {
	key    KeyFunc[K, T]
	logger *slog.Logger

	mu          sync.RWMutex
	items       []T
	initialized bool
	pending     []T
	stats       Stats

	changes *bus.Bus[Change[T]]
}

// New creates an empty, uninitialized Reconciler.
func New[K comparable, T any](key KeyFunc[K, T], logger *slog.Logger) *Reconciler[K, T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler[K, T]{
		key:     key,
		logger:  logger,
		changes: bus.New[Change[T]](bus.WithLogger(logger)),
	}
}

// Initialize replaces the collection with snapshot. Entities without an id
// are skipped; for duplicate ids the first occurrence wins. Upserts buffered
// before the first Initialize are then replayed.
func (r *Reconciler[K, T]) Initialize(snapshot []T) {
	items := make([]T, 0, len(snapshot))
	seen := make(map[K]struct{}, len(snapshot))
	for i, e := range snapshot {
		k, err := r.key(e)
		if err != nil {
			r.logger.Warn("skipping snapshot entry", "index", i, "error", err)
			continue
		}
		if _, dup := seen[k]; dup {
			r.logger.Warn("skipping duplicate snapshot entry", "index", i, "id", k)
			continue
		}
		seen[k] = struct{}{}
		items = append(items, e)
	}

	r.mu.Lock()
	r.items = items
	replay := r.pending
	r.pending = nil
	first := !r.initialized
	r.initialized = true
	r.stats.Resets++

	var replayed []Change[T]
	for _, e := range replay {
		if c, err := r.upsertLocked(e); err == nil {
			replayed = append(replayed, c)
		}
	}
	n := len(r.items)
	r.mu.Unlock()

	r.logger.Info("collection initialized",
		"entities", n,
		"skipped", len(snapshot)-len(items),
		"replayed", len(replayed),
		"first", first,
	)

	r.changes.Publish(changeTopic, Change[T]{Kind: ChangeReset, Len: n})
	for _, c := range replayed {
		r.changes.Publish(changeTopic, c)
	}
}

// Upsert replaces the entity with the same id in place, or inserts e at the
// front when the id is new. Applying the same entity twice leaves the
// collection unchanged after the first application.
func (r *Reconciler[K, T]) Upsert(e T) error {
	k, err := r.key(e)
	if err != nil {
		r.mu.Lock()
		r.stats.Rejected++
		r.mu.Unlock()
		r.logger.Warn("rejected entity", "error", err)
		return fmt.Errorf("upsert: %w", err)
	}

	r.mu.Lock()
	if !r.initialized {
		r.bufferLocked(e)
		r.mu.Unlock()
		r.logger.Debug("buffered upsert before snapshot", "id", k)
		return nil
	}
	change, err := r.upsertLocked(e)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.logger.Debug("entity upserted",
		"id", k,
		"kind", change.Kind,
		"index", change.Index,
	)
	r.changes.Publish(changeTopic, change)
	return nil
}

// Query returns a copy of the ordered collection. Entities are shallow
// copies and must be treated as read-only.
func (r *Reconciler[K, T]) Query() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.items)
}

// Get returns the entity with id k.
func (r *Reconciler[K, T]) Get(k K) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.indexLocked(k); i >= 0 {
		return r.items[i], true
	}
	var zero T
	return zero, false
}

// Len returns the number of entities held.
func (r *Reconciler[K, T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Initialized reports whether a snapshot has been applied.
func (r *Reconciler[K, T]) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Stats returns current counters.
func (r *Reconciler[K, T]) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// OnChange registers fn to run after every mutation. Call Unsubscribe on the
// returned handle when the consumer goes away.
func (r *Reconciler[K, T]) OnChange(fn func(Change[T])) *bus.Subscription {
	return r.changes.Subscribe(changeTopic, func(c Change[T]) error {
		fn(c)
		return nil
	})
}

// Bind subscribes the reconciler to topics on b. Each payload is decoded as
// JSON into T and upserted; decode and id failures are reported back to the
// bus, which logs them.
func (r *Reconciler[K, T]) Bind(b *bus.Bus[json.RawMessage], topics ...string) *bus.Group {
	g := &bus.Group{}
	for _, topic := range topics {
		g.Add(b.Subscribe(topic, func(payload json.RawMessage) error {
			var e T
			if err := json.Unmarshal(payload, &e); err != nil {
				r.mu.Lock()
				r.stats.Rejected++
				r.mu.Unlock()
				return fmt.Errorf("decode %s payload: %w", topic, err)
			}
			return r.Upsert(e)
		}))
	}
	return g
}

// upsertLocked applies e. Caller must hold the write lock.
func (r *Reconciler[K, T]) upsertLocked(e T) (Change[T], error) {
	k, err := r.key(e)
	if err != nil {
		r.stats.Rejected++
		return Change[T]{}, fmt.Errorf("upsert: %w", err)
	}
	r.stats.Upserts++

	if i := r.indexLocked(k); i >= 0 {
		r.items[i] = e
		r.stats.Updated++
		return Change[T]{Kind: ChangeUpdated, Item: e, Index: i, Len: len(r.items)}, nil
	}

	r.items = slices.Insert(r.items, 0, e)
	r.stats.Inserted++
	return Change[T]{Kind: ChangeInserted, Item: e, Index: 0, Len: len(r.items)}, nil
}

// bufferLocked queues e until the first snapshot. Caller must hold the write lock.
func (r *Reconciler[K, T]) bufferLocked(e T) {
	if len(r.pending) >= MaxPending {
		r.logger.Warn("pre-snapshot buffer full, dropping oldest", "limit", MaxPending)
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, e)
	r.stats.Buffered++
}

// indexLocked returns the position of id k, or -1.
func (r *Reconciler[K, T]) indexLocked(k K) int {
	return slices.IndexFunc(r.items, func(e T) bool {
		ek, err := r.key(e)
		return err == nil && ek == k
	})
}

package store

import (
	"sync"

	"jobsync/internal/model"
)

type ChangeKind string

const (
	ChangeUpsert  ChangeKind = "upsert"
	ChangeRemove  ChangeKind = "remove"
	ChangeReplace ChangeKind = "replace"
	ChangeBatch   ChangeKind = "batch"
)

// Change describes one committed mutation. Version increases by one per
// committed mutation.
type Change struct {
	Kind    ChangeKind
	IDs     []string
	Version uint64
}

// Store is the in-memory job table. Reads are safe from any goroutine.
// Writes are serialized and each one is reported to subscribers before the
// next write starts. Subscribers run on the writer's goroutine and must not
// write to the store.
type Store struct {
	writeMu sync.Mutex

	mu      sync.RWMutex
	jobs    map[string]model.Job
	order   []string
	version uint64

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

func New() *Store {
	return &Store{
		jobs: map[string]model.Job{},
		subs: map[int]func(Change){},
	}
}

// Upsert merges job into an existing row with the same id or inserts it at
// the head. It reports whether a new row was inserted. Jobs without an id
// are ignored.
func (s *Store) Upsert(job model.Job) (model.Job, bool) {
	if job.ID == "" {
		return job, false
	}
	var (
		out      model.Job
		inserted bool
	)
	s.commit(ChangeUpsert, func(tx *Tx) {
		if existing, ok := tx.Get(job.ID); ok {
			out = model.MergeJob(existing, job)
		} else {
			out = job.Clone()
			inserted = true
		}
		tx.Put(out)
	})
	return out, inserted
}

// Remove deletes the row with id. It is a no-op if absent.
func (s *Store) Remove(id string) bool {
	removed := false
	s.commit(ChangeRemove, func(tx *Tx) {
		removed = tx.Remove(id)
	})
	return removed
}

// ReplaceAll discards every row and loads jobs in the given order.
// Duplicate ids are merged into the first occurrence.
func (s *Store) ReplaceAll(jobs []model.Job) {
	s.commit(ChangeReplace, func(tx *Tx) {
		tx.clear()
		for i := len(jobs) - 1; i >= 0; i-- {
			job := jobs[i]
			if job.ID == "" {
				continue
			}
			if existing, ok := tx.Get(job.ID); ok {
				job = model.MergeJob(job, existing)
				tx.Remove(job.ID)
			}
			tx.Put(job)
		}
	})
}

// Batch runs fn against the table under the write lock and publishes a single
// change if fn touched anything.
func (s *Store) Batch(fn func(tx *Tx)) {
	s.commit(ChangeBatch, fn)
}

func (s *Store) Get(id string) (model.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	return job.Clone(), true
}

// List returns every row, most recent first.
func (s *Store) List() []model.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].Clone())
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// ActiveCount returns how many rows are not in a terminal status.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, job := range s.jobs {
		if model.IsActive(job.Status) {
			n++
		}
	}
	return n
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Subscribe registers fn for every committed change and returns a function
// that unregisters it.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) commit(kind ChangeKind, fn func(tx *Tx)) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	tx := &Tx{s: s}
	fn(tx)
	if len(tx.touched) == 0 && !tx.cleared {
		s.mu.Unlock()
		return
	}
	s.version++
	change := Change{Kind: kind, IDs: tx.touched, Version: s.version}
	s.mu.Unlock()

	s.subMu.Lock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(change)
	}
}

package store

import (
	"reflect"

	"jobsync/internal/model"
)

// Tx is a view of the table inside Batch. It must not be used after the
// Batch callback returns.
type Tx struct {
	s       *Store
	touched []string
	seen    map[string]bool
	cleared bool
}

func (tx *Tx) Get(id string) (model.Job, bool) {
	job, ok := tx.s.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	return job.Clone(), true
}

// Has reports whether id is present.
func (tx *Tx) Has(id string) bool {
	_, ok := tx.s.jobs[id]
	return ok
}

// Put stores job as given, replacing any row with the same id in place or
// inserting a new row at the head. Writing an identical value is not a change.
func (tx *Tx) Put(job model.Job) {
	if job.ID == "" {
		return
	}
	existing, ok := tx.s.jobs[job.ID]
	if ok && reflect.DeepEqual(existing, job) {
		return
	}
	if !ok {
		tx.s.order = append([]string{job.ID}, tx.s.order...)
	}
	tx.s.jobs[job.ID] = job.Clone()
	tx.touch(job.ID)
}

func (tx *Tx) Remove(id string) bool {
	if _, ok := tx.s.jobs[id]; !ok {
		return false
	}
	delete(tx.s.jobs, id)
	for i, existing := range tx.s.order {
		if existing == id {
			tx.s.order = append(tx.s.order[:i], tx.s.order[i+1:]...)
			break
		}
	}
	tx.touch(id)
	return true
}

// IDs returns the current ids, most recent first.
func (tx *Tx) IDs() []string {
	return append([]string(nil), tx.s.order...)
}

func (tx *Tx) Len() int {
	return len(tx.s.order)
}

func (tx *Tx) clear() {
	if len(tx.s.order) > 0 {
		tx.cleared = true
	}
	tx.s.jobs = map[string]model.Job{}
	tx.s.order = nil
}

func (tx *Tx) touch(id string) {
	if tx.seen == nil {
		tx.seen = map[string]bool{}
	}
	if tx.seen[id] {
		return
	}
	tx.seen[id] = true
	tx.touched = append(tx.touched, id)
}

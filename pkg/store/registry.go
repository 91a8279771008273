// Package store holds the authoritative in-memory job registry and the
// optional SQLite journal used to rebuild it after a restart.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
)

// Observer is notified after every committed change. Calls for one job id are
// delivered in commit order.
type Observer interface {
	JobChanged(job models.Job)
	JobDeleted(id string)
}

// Registry is the job registry contract used by the rest of the service
type Registry interface {
	Create(job models.Job) error
	Get(id string) (models.Job, error)
	Update(id string, fn func(*models.Job) error) (models.Job, error)
	Delete(id string) (bool, error)
	List() []models.Job
	Len() int
}

type record struct {
	mu      sync.Mutex
	job     models.Job
	deleted bool
}

// MemoryRegistry keeps one record per job. The map lock is held only for
// lookup, insert and removal; mutations serialize on the record's own lock.
type MemoryRegistry struct {
	mu        sync.RWMutex
	records   map[string]*record
	observers []Observer
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]*record)}
}

// Observe registers an observer for subsequent changes
func (r *MemoryRegistry) Observe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *MemoryRegistry) observerList() []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.observers
}

// Create inserts a new job
func (r *MemoryRegistry) Create(job models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("create job: empty id")
	}
	rec := &record{job: job.Clone()}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	r.mu.Lock()
	if _, exists := r.records[job.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrJobExists, job.ID)
	}
	r.records[job.ID] = rec
	observers := r.observers
	r.mu.Unlock()

	for _, o := range observers {
		o.JobChanged(rec.job.Clone())
	}
	return nil
}

func (r *MemoryRegistry) lookup(id string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return rec, nil
}

// Get returns a snapshot of the job
func (r *MemoryRegistry) Get(id string) (models.Job, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return models.Job{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return models.Job{}, models.ErrJobNotFound
	}
	return rec.job.Clone(), nil
}

// Update runs fn on a working copy of the job and commits it if fn succeeds
// and any status change is a legal transition. On error the record is left
// unchanged.
func (r *MemoryRegistry) Update(id string, fn func(*models.Job) error) (models.Job, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return models.Job{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return models.Job{}, models.ErrJobNotFound
	}

	work := rec.job.Clone()
	if err := fn(&work); err != nil {
		return rec.job.Clone(), err
	}
	if work.ID != rec.job.ID {
		return rec.job.Clone(), fmt.Errorf("update job %s: id is immutable", id)
	}
	if work.Status != rec.job.Status {
		if err := models.ValidateTransition(rec.job.Status, work.Status); err != nil {
			return rec.job.Clone(), err
		}
	}
	if work.Progress < rec.job.Progress {
		return rec.job.Clone(), fmt.Errorf("update job %s: progress %.1f < %.1f: %w",
			id, work.Progress, rec.job.Progress, models.ErrInvalidTransition)
	}

	rec.job = work
	for _, o := range r.observerList() {
		o.JobChanged(rec.job.Clone())
	}
	return rec.job.Clone(), nil
}

// Delete removes the job. It reports false if the job did not exist.
func (r *MemoryRegistry) Delete(id string) (bool, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return false, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return false, nil
	}
	rec.deleted = true

	r.mu.Lock()
	delete(r.records, id)
	observers := r.observers
	r.mu.Unlock()

	for _, o := range observers {
		o.JobDeleted(id)
	}
	return true, nil
}

// List returns snapshots of every job ordered by creation time
func (r *MemoryRegistry) List() []models.Job {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	jobs := make([]models.Job, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.deleted {
			jobs = append(jobs, rec.job.Clone())
		}
		rec.mu.Unlock()
	}
	SortByCreation(jobs)
	return jobs
}

// Len returns the number of jobs
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// SortByCreation orders jobs oldest first, breaking ties by id
func SortByCreation(jobs []models.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}

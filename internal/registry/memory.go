package registry

import (
	"context"
	"sync"
	"time"

	"github.com/fedutinova/smartlabel/internal/job"
)

type memEntry struct {
	job       *job.Job
	expiresAt time.Time
}

type memRegistry struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.RWMutex
	jobs map[string]memEntry
}

// NewMemoryRegistry keeps records in process memory. A zero ttl keeps
// records forever.
func NewMemoryRegistry(ttl time.Duration) Registry {
	return newMemoryRegistry(ttl, time.Now)
}

func newMemoryRegistry(ttl time.Duration, now func() time.Time) *memRegistry {
	return &memRegistry{ttl: ttl, now: now, jobs: make(map[string]memEntry)}
}

func (r *memRegistry) Put(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store(j)
	return nil
}

func (r *memRegistry) store(j *job.Job) {
	e := memEntry{job: j.Clone()}
	if r.ttl > 0 {
		e.expiresAt = r.now().Add(r.ttl)
	}
	r.jobs[j.ID] = e
}

func (r *memRegistry) load(id string) (*job.Job, bool) {
	e, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !r.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.job, true
}

func (r *memRegistry) Get(ctx context.Context, id string) (*job.Job, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.load(id)
	return j.Clone(), ok, nil
}

func (r *memRegistry) Apply(ctx context.Context, next *job.Job) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, _ := r.load(next.ID)
	out, err := job.Transition(cur, next)
	if err != nil {
		return nil, err
	}
	r.store(out)
	return out.Clone(), nil
}

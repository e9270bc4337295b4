// In-memory Store with fault injection, used by tests and dry runs
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/andrewh/spanvault/pkg/blobstore"
)

// Object is a stored object with the time it was written.
type Object struct {
	Container string
	Key       string
	Body      []byte
	Meta      blobstore.ObjectMeta
	StoredAt  time.Time
}

// Store keeps containers and objects in memory. Puts into a missing
// container fail with blobstore.ErrNotFound.
type Store struct {
	mu         sync.Mutex
	containers map[string]string
	objects    []Object
	putCalls   int
	faults     []error
	putErr     error
	existsErr  error
	createErr  error
	layout     string
	now        func() time.Time
}

// New returns an empty Store. Any containers given already exist.
func New(containers ...string) *Store {
	s := &Store{
		containers: make(map[string]string),
		now:        time.Now,
	}
	for _, c := range containers {
		s.containers[c] = ""
	}
	return s
}

// Exists reports whether container has been created.
func (s *Store) Exists(ctx context.Context, container string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.containers[container]
	return ok, nil
}

// Create adds container, recording region.
func (s *Store) Create(ctx context.Context, container, region string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.containers[container]; ok {
		return blobstore.ErrAlreadyExists
	}
	s.containers[container] = region
	return nil
}

// Put stores body under key, replacing any previous object with that key.
func (s *Store) Put(ctx context.Context, container, key string, body []byte, meta blobstore.ObjectMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCalls++
	if len(s.faults) > 0 {
		err := s.faults[0]
		s.faults = s.faults[1:]
		return err
	}
	if s.putErr != nil {
		return s.putErr
	}
	if _, ok := s.containers[container]; !ok {
		return blobstore.ErrNotFound
	}
	obj := Object{
		Container: container,
		Key:       key,
		Body:      slices.Clone(body),
		Meta:      meta,
		StoredAt:  s.now(),
	}
	for i := range s.objects {
		if s.objects[i].Container == container && s.objects[i].Key == key {
			s.objects[i] = obj
			return nil
		}
	}
	s.objects = append(s.objects, obj)
	return nil
}

// FailNext queues err as the result of the next n Put calls.
func (s *Store) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range n {
		s.faults = append(s.faults, err)
	}
}

// FailPuts makes every Put fail with err. A nil err clears it.
func (s *Store) FailPuts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErr = err
}

// FailExists makes Exists fail with err. A nil err clears it.
func (s *Store) FailExists(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existsErr = err
}

// FailCreate makes Create fail with err. A nil err clears it.
func (s *Store) FailCreate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}

// SetTimeLayout overrides the key timestamp layout reported by the store.
func (s *Store) SetTimeLayout(layout string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layout = layout
}

// TimeLayout implements blobstore.TimeLayouter.
func (s *Store) TimeLayout() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

// Objects returns a copy of every stored object in write order.
func (s *Store) Objects() []Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Object, len(s.objects))
	for i, o := range s.objects {
		o.Body = slices.Clone(o.Body)
		out[i] = o
	}
	return out
}

// PutCalls returns the number of Put calls made, successful or not.
func (s *Store) PutCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putCalls
}

// Region returns the region a container was created in.
func (s *Store) Region(container string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.containers[container]
	return r, ok
}

package engine

import (
	"github.com/sasha-s/go-deadlock"
)

// actorRegistry maps instance ids to live actors. Loading an actor
// (rehydration from the event log) is single-flight per id.
type actorRegistry struct {
	mu      deadlock.RWMutex
	actors  map[string]*actor
	loading map[string]*loadCall
}

type loadCall struct {
	done chan struct{}
	a    *actor
	err  error
}

func newActorRegistry() *actorRegistry {
	return &actorRegistry{
		actors:  make(map[string]*actor),
		loading: make(map[string]*loadCall),
	}
}

func (r *actorRegistry) Get(id string) (*actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[id]
	return a, ok
}

// Put registers a. It returns the actor already registered for the id, if
// any, and false in that case.
func (r *actorRegistry) Put(a *actor) (*actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.actors[a.id]; ok {
		return cur, false
	}
	r.actors[a.id] = a
	return a, true
}

// Load returns the actor for id, calling load at most once concurrently per
// id when none is registered. load must register the actor itself when it
// succeeds.
func (r *actorRegistry) Load(id string, load func() (*actor, error)) (*actor, error) {
	r.mu.Lock()
	if a, ok := r.actors[id]; ok {
		r.mu.Unlock()
		return a, nil
	}
	if c, ok := r.loading[id]; ok {
		r.mu.Unlock()
		<-c.done
		return c.a, c.err
	}
	c := &loadCall{done: make(chan struct{})}
	r.loading[id] = c
	r.mu.Unlock()

	c.a, c.err = load()

	r.mu.Lock()
	delete(r.loading, id)
	r.mu.Unlock()
	close(c.done)
	return c.a, c.err
}

// Remove unregisters the actor of id and returns it.
func (r *actorRegistry) Remove(id string) (*actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[id]
	delete(r.actors, id)
	return a, ok
}

func (r *actorRegistry) All() []*actor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*actor, 0, len(r.actors))
	for _, a := range r.actors {
		out = append(out, a)
	}
	return out
}

func (r *actorRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

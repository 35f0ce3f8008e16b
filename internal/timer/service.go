// Package timer schedules level deadlines for approval instances.
//
// A Service keeps at most one armed timer per instance. Fires are handed to
// a callback, which the engine uses to enqueue timeout messages into the
// inbox. Deadlines are not durable here: the engine recomputes them from the
// persisted snapshot on recovery.
package timer

import (
	"sync"
	"time"
)

// TimerID identifies one arming. Zero is never a valid id.
type TimerID uint64

// Fire describes an elapsed deadline.
type Fire struct {
	ID         TimerID
	InstanceID string
	Level      int
	Generation int64
	Deadline   time.Time
}

// FireFunc receives elapsed deadlines. It runs on the clock's goroutine and
// must not block for long.
type FireFunc func(Fire)

type entry struct {
	fire Fire
	stop Stoppable
}

// Service is the timer service.
type Service struct {
	clock  Clock
	onFire FireFunc

	mu         sync.Mutex
	nextID     TimerID
	byID       map[TimerID]*entry
	byInstance map[string]TimerID
	closed     bool
}

// New creates a timer service. A nil clock uses SystemClock.
func New(clock Clock, onFire FireFunc) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{
		clock:      clock,
		onFire:     onFire,
		byID:       make(map[TimerID]*entry),
		byInstance: make(map[string]TimerID),
	}
}

// Clock returns the clock the service schedules on.
func (s *Service) Clock() Clock { return s.clock }

// Arm schedules a fire for instanceID after d, replacing any timer already
// armed for the instance. A non-positive d fires as soon as possible.
func (s *Service) Arm(instanceID string, level int, generation int64, d time.Duration) TimerID {
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	if prev, ok := s.byInstance[instanceID]; ok {
		s.cancelLocked(prev)
	}

	s.nextID++
	id := s.nextID
	e := &entry{fire: Fire{
		ID:         id,
		InstanceID: instanceID,
		Level:      level,
		Generation: generation,
		Deadline:   s.clock.Now().Add(d),
	}}
	s.byID[id] = e
	s.byInstance[instanceID] = id
	e.stop = s.clock.AfterFunc(d, func() { s.fired(id) })
	return id
}

// Cancel stops a timer. Unknown, fired and already cancelled ids are
// ignored.
func (s *Service) Cancel(id TimerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(id)
}

// CancelInstance stops whatever timer is armed for instanceID.
func (s *Service) CancelInstance(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byInstance[instanceID]; ok {
		s.cancelLocked(id)
	}
}

// Armed reports the timer currently armed for instanceID.
func (s *Service) Armed(instanceID string) (Fire, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byInstance[instanceID]
	if !ok {
		return Fire{}, false
	}
	return s.byID[id].fire, true
}

// Len returns the number of armed timers.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Close cancels all timers. Arm is a no-op afterwards.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id := range s.byID {
		s.cancelLocked(id)
	}
}

func (s *Service) cancelLocked(id TimerID) {
	e, ok := s.byID[id]
	if !ok {
		return
	}
	if e.stop != nil {
		e.stop.Stop()
	}
	delete(s.byID, id)
	if s.byInstance[e.fire.InstanceID] == id {
		delete(s.byInstance, e.fire.InstanceID)
	}
}

func (s *Service) fired(id TimerID) {
	s.mu.Lock()
	e, ok := s.byID[id]
	if !ok {
		// cancelled or replaced after the clock released the callback
		s.mu.Unlock()
		return
	}
	delete(s.byID, id)
	if s.byInstance[e.fire.InstanceID] == id {
		delete(s.byInstance, e.fire.InstanceID)
	}
	s.mu.Unlock()

	if s.onFire != nil {
		s.onFire(e.fire)
	}
}

package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fireRecorder struct {
	mu    sync.Mutex
	fires []Fire
}

func (r *fireRecorder) record(f Fire) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fires = append(r.fires, f)
}

func (r *fireRecorder) all() []Fire {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Fire(nil), r.fires...)
}

var epoch = time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)

func TestService_FiresAfterDuration(t *testing.T) {
	clock := NewFakeClock(epoch)
	rec := &fireRecorder{}
	s := New(clock, rec.record)

	id := s.Arm("approval:a", 1, 1, 48*time.Hour)
	require.NotZero(t, id)

	clock.Advance(47 * time.Hour)
	require.Empty(t, rec.all())

	clock.Advance(time.Hour)
	fires := rec.all()
	require.Len(t, fires, 1)
	require.Equal(t, "approval:a", fires[0].InstanceID)
	require.Equal(t, 1, fires[0].Level)
	require.Equal(t, int64(1), fires[0].Generation)
	require.True(t, fires[0].Deadline.Equal(epoch.Add(48*time.Hour)))
	require.Zero(t, s.Len())
}

func TestService_ArmReplacesPreviousTimer(t *testing.T) {
	clock := NewFakeClock(epoch)
	rec := &fireRecorder{}
	s := New(clock, rec.record)

	s.Arm("approval:a", 1, 1, time.Hour)
	s.Arm("approval:a", 2, 2, 2*time.Hour)
	require.Equal(t, 1, s.Len())

	clock.Advance(3 * time.Hour)
	fires := rec.all()
	require.Len(t, fires, 1)
	require.Equal(t, 2, fires[0].Level)
	require.Equal(t, int64(2), fires[0].Generation)
}

func TestService_CancelIsIdempotent(t *testing.T) {
	clock := NewFakeClock(epoch)
	rec := &fireRecorder{}
	s := New(clock, rec.record)

	id := s.Arm("approval:a", 1, 1, time.Hour)
	s.Cancel(id)
	s.Cancel(id)
	s.Cancel(TimerID(999))

	clock.Advance(2 * time.Hour)
	require.Empty(t, rec.all())
	require.Zero(t, clock.Pending())

	_, ok := s.Armed("approval:a")
	require.False(t, ok)
}

func TestService_CancelOldIDDoesNotAffectReplacement(t *testing.T) {
	clock := NewFakeClock(epoch)
	rec := &fireRecorder{}
	s := New(clock, rec.record)

	old := s.Arm("approval:a", 1, 1, time.Hour)
	s.Arm("approval:a", 1, 5, time.Hour)
	s.Cancel(old)

	armed, ok := s.Armed("approval:a")
	require.True(t, ok)
	require.Equal(t, int64(5), armed.Generation)

	clock.Advance(time.Hour)
	require.Len(t, rec.all(), 1)
}

func TestService_IndependentInstances(t *testing.T) {
	clock := NewFakeClock(epoch)
	rec := &fireRecorder{}
	s := New(clock, rec.record)

	s.Arm("approval:a", 1, 1, 2*time.Hour)
	s.Arm("approval:b", 1, 1, time.Hour)
	s.CancelInstance("approval:a")

	clock.Advance(3 * time.Hour)
	fires := rec.all()
	require.Len(t, fires, 1)
	require.Equal(t, "approval:b", fires[0].InstanceID)
}

func TestService_CloseStopsEverything(t *testing.T) {
	clock := NewFakeClock(epoch)
	rec := &fireRecorder{}
	s := New(clock, rec.record)

	s.Arm("approval:a", 1, 1, time.Hour)
	s.Close()
	require.Zero(t, s.Arm("approval:b", 1, 1, time.Hour))

	clock.Advance(2 * time.Hour)
	require.Empty(t, rec.all())
}

func TestService_SystemClockFires(t *testing.T) {
	done := make(chan Fire, 1)
	s := New(nil, func(f Fire) { done <- f })
	defer s.Close()

	s.Arm("approval:a", 3, 7, 10*time.Millisecond)

	select {
	case f := <-done:
		require.Equal(t, 3, f.Level)
		require.Equal(t, int64(7), f.Generation)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

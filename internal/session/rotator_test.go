package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"rollcall/attendance/internal/crypto"
)

type fakeWriter struct {
	mu      sync.Mutex
	records []Record
	ttls    []time.Duration
	fail    bool
}

func (f *fakeWriter) Save(_ context.Context, record Record, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store unavailable")
	}
	f.records = append(f.records, record)
	f.ttls = append(f.ttls, ttl)
	return nil
}

func (f *fakeWriter) saved() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record(nil), f.records...)
}

func newTestRotator(writer RecordWriter) *Rotator {
	cipher := crypto.NewCipher("rotator-test-secret")
	return NewRotator(writer, cipher, 10*time.Millisecond, 30*time.Millisecond, time.Second)
}

func collectFrames(t *testing.T, ch <-chan Frame, n int) []Frame {
	t.Helper()
	frames := make([]Frame, 0, n)
	deadline := time.After(2 * time.Second)
	for len(frames) < n {
		select {
		case frame := <-ch:
			frames = append(frames, frame)
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, len(frames))
		}
	}
	return frames
}

func TestRotatorTicksAndPublishes(t *testing.T) {
	writer := &fakeWriter{}
	r := newTestRotator(writer)
	defer r.Close()

	ch, cancel := r.Subscribe("c1")
	defer cancel()

	classSessionID := r.Start("c1", "owner-1")
	frames := collectFrames(t, ch, 2)

	cipher := crypto.NewCipher("rotator-test-secret")
	var first, second Record
	if err := cipher.Decrypt(frames[0].QRString, &first); err != nil {
		t.Fatalf("decrypt frame: %v", err)
	}
	if err := cipher.Decrypt(frames[1].QRString, &second); err != nil {
		t.Fatalf("decrypt frame: %v", err)
	}
	if first.SessionID == second.SessionID {
		t.Fatalf("expected fresh sessionId per tick")
	}
	if first.ClassSessionID != classSessionID || second.ClassSessionID != classSessionID {
		t.Fatalf("classSessionId must be stable across ticks")
	}
	if first.ClassroomID != "c1" {
		t.Fatalf("expected classroomId c1, got %s", first.ClassroomID)
	}
	if first.ExpiresAt == 0 {
		t.Fatalf("expected expiresAt to be set")
	}

	saved := writer.saved()
	if len(saved) < 2 {
		t.Fatalf("expected store writes per tick, got %d", len(saved))
	}
	if saved[0].SessionID != first.SessionID {
		t.Fatalf("stored record must match published payload")
	}
}

func TestRotatorStartIdempotent(t *testing.T) {
	writer := &fakeWriter{}
	r := newTestRotator(writer)
	defer r.Close()

	first := r.Start("c1", "owner-1")
	second := r.Start("c1", "owner-2")
	if first != second {
		t.Fatalf("second start must join the running rotation")
	}
	if _, running := r.Running("c1"); !running {
		t.Fatalf("expected rotation to be running")
	}
}

func TestRotatorStopIdempotent(t *testing.T) {
	writer := &fakeWriter{}
	r := newTestRotator(writer)
	defer r.Close()

	r.Start("c1", "owner-1")
	r.Stop("c1")
	r.Stop("c1")
	if _, running := r.Running("c1"); running {
		t.Fatalf("expected rotation to be stopped")
	}
}

func TestRotatorStopOwner(t *testing.T) {
	writer := &fakeWriter{}
	r := newTestRotator(writer)
	defer r.Close()

	r.Start("c1", "owner-1")
	r.Start("c2", "owner-1")
	r.Start("c3", "owner-2")

	r.StopOwner("owner-1")
	if _, running := r.Running("c1"); running {
		t.Fatalf("expected c1 stopped with its owner")
	}
	if _, running := r.Running("c2"); running {
		t.Fatalf("expected c2 stopped with its owner")
	}
	if _, running := r.Running("c3"); !running {
		t.Fatalf("expected c3 to keep rotating")
	}
}

func TestRotatorSurvivesWriteFailure(t *testing.T) {
	writer := &fakeWriter{fail: true}
	r := newTestRotator(writer)
	defer r.Close()

	ch, cancel := r.Subscribe("c1")
	defer cancel()

	r.Start("c1", "owner-1")
	frames := collectFrames(t, ch, 2)
	if len(frames) != 2 {
		t.Fatalf("rotation must continue past store write failures")
	}
}

func TestClassSessionIDPeriods(t *testing.T) {
	morning := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	afternoon := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

	if got := ClassSessionID("c1", morning); got != "c1_2024-05-01_forenoon" {
		t.Fatalf("unexpected forenoon id: %s", got)
	}
	if got := ClassSessionID("c1", afternoon); got != "c1_2024-05-01_afternoon" {
		t.Fatalf("unexpected afternoon id: %s", got)
	}
	if ClassSessionID("c1", morning) != ClassSessionID("c1", morning.Add(2*time.Hour)) {
		t.Fatalf("classSessionId must be stable within a half day")
	}
}

func TestNewSessionID(t *testing.T) {
	now := time.Now()
	first := NewSessionID(now)
	second := NewSessionID(now)
	if first == second {
		t.Fatalf("sessionIds must be unique")
	}
	if !strings.Contains(first, "-") {
		t.Fatalf("expected uuid component in sessionId: %s", first)
	}
	if len(first) < 36+9+13 {
		t.Fatalf("sessionId too short: %s", first)
	}
}

package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rotationTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_rotation_ticks_total",
		Help: "QR rotation ticks across all classrooms.",
	})
	activeRotations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attendance_active_rotations",
		Help: "Classrooms currently rotating a QR session.",
	})
)

type RecordWriter interface {
	Save(ctx context.Context, record Record, ttl time.Duration) error
}

type Encrypter interface {
	Encrypt(payload any) (string, error)
}

// Frame is one rotation tick's published envelope.
type Frame struct {
	ClassroomID string
	QRString    string
}

// Rotator owns all rotation state: one ticker goroutine per classroom, a
// stable classSessionID per run, and fan-out to presenter subscribers.
// Start/Stop transitions are guarded by a single mutex so concurrent starts
// for the same classroom collapse into one run.
type Rotator struct {
	writer       RecordWriter
	cipher       Encrypter
	interval     time.Duration
	ttl          time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	active map[string]*rotation
	subs   map[string]map[chan Frame]struct{}
}

type rotation struct {
	classSessionID string
	owner          string
	cancel         context.CancelFunc
}

func NewRotator(writer RecordWriter, cipher Encrypter, interval, ttl, writeTimeout time.Duration) *Rotator {
	return &Rotator{
		writer:       writer,
		cipher:       cipher,
		interval:     interval,
		ttl:          ttl,
		writeTimeout: writeTimeout,
		active:       make(map[string]*rotation),
		subs:         make(map[string]map[chan Frame]struct{}),
	}
}

// Start begins rotating for a classroom. Idempotent: if a rotation is
// already running the call is a no-op and the running run's classSessionID
// is returned. The owner handle ties the rotation to the connection that
// started it so StopOwner can release it on every exit path.
func (r *Rotator) Start(classroomID, owner string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.active[classroomID]; ok {
		return existing.classSessionID
	}

	classSessionID := ClassSessionID(classroomID, time.Now().UTC())
	ctx, cancel := context.WithCancel(context.Background())
	r.active[classroomID] = &rotation{
		classSessionID: classSessionID,
		owner:          owner,
		cancel:         cancel,
	}
	activeRotations.Inc()
	go r.run(ctx, classroomID, classSessionID)
	return classSessionID
}

// Stop cancels a classroom's rotation; no-op if it is not rotating.
func (r *Rotator) Stop(classroomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(classroomID)
}

// StopOwner stops every rotation started under the given owner handle.
func (r *Rotator) StopOwner(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for classroomID, rot := range r.active {
		if rot.owner == owner {
			r.stopLocked(classroomID)
		}
	}
}

// Close stops all rotations.
func (r *Rotator) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for classroomID := range r.active {
		r.stopLocked(classroomID)
	}
}

func (r *Rotator) stopLocked(classroomID string) {
	rot, ok := r.active[classroomID]
	if !ok {
		return
	}
	rot.cancel()
	delete(r.active, classroomID)
	activeRotations.Dec()
}

// Running reports whether a classroom is rotating and its classSessionID.
func (r *Rotator) Running(classroomID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rot, ok := r.active[classroomID]
	if !ok {
		return "", false
	}
	return rot.classSessionID, true
}

// Subscribe registers a receiver for a classroom's envelope frames. Slow
// receivers drop frames rather than stall the tick. The returned cancel
// must be called exactly once.
func (r *Rotator) Subscribe(classroomID string) (<-chan Frame, func()) {
	ch := make(chan Frame, 4)
	r.mu.Lock()
	set, ok := r.subs[classroomID]
	if !ok {
		set = make(map[chan Frame]struct{})
		r.subs[classroomID] = set
	}
	set[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs[classroomID], ch)
			if len(r.subs[classroomID]) == 0 {
				delete(r.subs, classroomID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

func (r *Rotator) run(ctx context.Context, classroomID, classSessionID string) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, classroomID, classSessionID)
		}
	}
}

func (r *Rotator) tick(ctx context.Context, classroomID, classSessionID string) {
	rotationTicks.Inc()
	now := time.Now().UTC()
	record := Record{
		SessionID:      NewSessionID(now),
		ClassroomID:    classroomID,
		ClassSessionID: classSessionID,
		ExpiresAt:      now.Add(r.ttl).UnixMilli(),
	}

	writeCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	err := r.writer.Save(writeCtx, record, r.ttl)
	cancel()
	if err != nil {
		// A dropped write only costs this one token; the next tick recovers.
		log.Printf("rotator: session write failed for classroom %s: %v", classroomID, err)
	}

	envelope, err := r.cipher.Encrypt(record)
	if err != nil {
		log.Printf("rotator: payload encrypt failed for classroom %s: %v", classroomID, err)
		return
	}
	r.publish(Frame{ClassroomID: classroomID, QRString: envelope})
}

func (r *Rotator) publish(frame Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs[frame.ClassroomID] {
		select {
		case ch <- frame:
		default:
		}
	}
}

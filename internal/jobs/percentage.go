package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"rollcall/attendance/internal/config"
	"rollcall/attendance/internal/db"
)

type AggregatorStore interface {
	CountSessionsByClassroom(ctx context.Context) ([]db.ClassroomSessionCount, error)
	ListStudentClassroomCombos(ctx context.Context) ([]db.StudentClassroomCombo, error)
	CountAttendedSessions(ctx context.Context, rollNo, classroomID string) (int64, error)
	GetLatestAttendance(ctx context.Context, rollNo, classroomID string) (db.AttendanceRecord, error)
	UpsertAttendancePercentage(ctx context.Context, params db.UpsertAttendancePercentageParams) error
}

// StartPercentageJob recomputes every student's attendance percentage on a
// fixed schedule. A failed run is logged and retried on the next tick; the
// computation is idempotent so partial runs self-correct.
func StartPercentageJob(ctx context.Context, cfg config.Config, store AggregatorStore) {
	interval := cfg.AggregateInterval
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	timeout := cfg.AggregateTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, timeout)
				if err := runPercentageJob(runCtx, cfg, store); err != nil {
					log.Printf("percentage job error: %v", err)
				}
				cancel()
			}
		}
	}()
}

func runPercentageJob(ctx context.Context, cfg config.Config, store AggregatorStore) error {
	counts, err := store.CountSessionsByClassroom(ctx)
	if err != nil {
		return fmt.Errorf("total sessions: %w", err)
	}
	totalSessions := make(map[string]int64, len(counts))
	for _, count := range counts {
		totalSessions[count.ClassroomID] = count.TotalSessions
	}

	combos, err := store.ListStudentClassroomCombos(ctx)
	if err != nil {
		return fmt.Errorf("student combos: %w", err)
	}
	log.Printf("percentage job: %d student-classroom combos", len(combos))

	batchSize := cfg.AggregateBatchSize
	if batchSize <= 0 {
		batchSize = 80
	}
	var failed int
	for start := 0; start < len(combos); start += batchSize {
		end := start + batchSize
		if end > len(combos) {
			end = len(combos)
		}
		// Items within a batch run concurrently; batches run in sequence
		// so the batch size bounds pressure on the durable store.
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, combo := range combos[start:end] {
			combo := combo
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := upsertCombo(ctx, cfg, store, combo, totalSessions[combo.ClassroomID]); err != nil {
					log.Printf("percentage job: combo %s/%s failed: %v", combo.RollNo, combo.ClassroomID, err)
					mu.Lock()
					failed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
	}
	if failed > 0 {
		log.Printf("percentage job: %d of %d combos failed; next run will correct", failed, len(combos))
	}
	return nil
}

func upsertCombo(ctx context.Context, cfg config.Config, store AggregatorStore, combo db.StudentClassroomCombo, total int64) error {
	attended, err := store.CountAttendedSessions(ctx, combo.RollNo, combo.ClassroomID)
	if err != nil {
		return err
	}

	var percentage float64
	if total > 0 {
		percentage = round2(float64(attended) / float64(total) * 100)
	}

	email, displayName := studentIdentity(ctx, cfg, store, combo)

	return store.UpsertAttendancePercentage(ctx, db.UpsertAttendancePercentageParams{
		Email:                email,
		DisplayName:          displayName,
		RollNo:               combo.RollNo,
		ClassroomID:          combo.ClassroomID,
		ClassroomName:        combo.ClassroomName,
		AttendancePercentage: percentage,
		LastUpdatedAt:        time.Now().UTC(),
	})
}

// studentIdentity reads email/displayName off the latest attendance record,
// falling back to values derived from the roll number.
func studentIdentity(ctx context.Context, cfg config.Config, store AggregatorStore, combo db.StudentClassroomCombo) (string, string) {
	email := fmt.Sprintf("%s@%s", strings.ToLower(combo.RollNo), cfg.StudentEmailDomain)
	displayName := combo.RollNo

	latest, err := store.GetLatestAttendance(ctx, combo.RollNo, combo.ClassroomID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			log.Printf("percentage job: latest record lookup failed for %s: %v", combo.RollNo, err)
		}
		return email, displayName
	}
	if latest.Email != "" {
		email = latest.Email
	}
	if latest.DisplayName != "" {
		displayName = latest.DisplayName
	}
	return email, displayName
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

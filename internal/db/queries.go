package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Queries struct {
	pool *pgxpool.Pool
}

// Classrooms

func (q *Queries) GetClassroom(ctx context.Context, classroomID string) (Classroom, error) {
	row := q.pool.QueryRow(ctx,
		`SELECT id, classroom_name, student_rolls FROM classrooms WHERE id = $1`,
		pgUUIDFromString(classroomID))
	var id pgtype.UUID
	var classroom Classroom
	if err := row.Scan(&id, &classroom.Name, &classroom.StudentRolls); err != nil {
		return Classroom{}, err
	}
	classroom.ID = uuidString(id)
	return classroom, nil
}

// Attendance records

func (q *Queries) GetAttendance(ctx context.Context, classSessionID, rollNo string) (AttendanceRecord, error) {
	row := q.pool.QueryRow(ctx, `
		SELECT id, roll_no, device_id, classroom_id, classroom_name, class_session_id,
		       email, display_name, date, scanned_at, created_at
		FROM attendance_records
		WHERE class_session_id = $1 AND roll_no = $2`,
		classSessionID, rollNo)
	return scanAttendanceRecord(row)
}

func (q *Queries) CreateAttendance(ctx context.Context, params CreateAttendanceParams) error {
	_, err := q.pool.Exec(ctx, `
		INSERT INTO attendance_records
			(id, roll_no, device_id, classroom_id, classroom_name, class_session_id,
			 email, display_name, date, scanned_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		pgUUID(uuid.New()),
		params.RollNo,
		params.DeviceID,
		pgUUIDFromString(params.ClassroomID),
		params.ClassroomName,
		params.ClassSessionID,
		pgTextValue(params.Email),
		pgTextValue(params.DisplayName),
		pgDate(params.Date),
		pgTime(params.ScannedAt),
		nowPgTime())
	return err
}

func (q *Queries) ListAttendance(ctx context.Context) ([]AttendanceRecord, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id, roll_no, device_id, classroom_id, classroom_name, class_session_id,
		       email, display_name, date, scanned_at, created_at
		FROM attendance_records ORDER BY scanned_at DESC`)
	if err != nil {
		return nil, err
	}
	return collectAttendanceRecords(rows)
}

func (q *Queries) ListAttendanceByStudent(ctx context.Context, rollNo string) ([]AttendanceRecord, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id, roll_no, device_id, classroom_id, classroom_name, class_session_id,
		       email, display_name, date, scanned_at, created_at
		FROM attendance_records WHERE roll_no = $1 ORDER BY scanned_at DESC`, rollNo)
	if err != nil {
		return nil, err
	}
	return collectAttendanceRecords(rows)
}

func (q *Queries) ListAttendanceByClassroom(ctx context.Context, classroomID string) ([]AttendanceRecord, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id, roll_no, device_id, classroom_id, classroom_name, class_session_id,
		       email, display_name, date, scanned_at, created_at
		FROM attendance_records WHERE classroom_id = $1 ORDER BY scanned_at DESC`,
		pgUUIDFromString(classroomID))
	if err != nil {
		return nil, err
	}
	return collectAttendanceRecords(rows)
}

func (q *Queries) GetLatestAttendance(ctx context.Context, rollNo, classroomID string) (AttendanceRecord, error) {
	row := q.pool.QueryRow(ctx, `
		SELECT id, roll_no, device_id, classroom_id, classroom_name, class_session_id,
		       email, display_name, date, scanned_at, created_at
		FROM attendance_records
		WHERE roll_no = $1 AND classroom_id = $2
		ORDER BY scanned_at DESC LIMIT 1`,
		rollNo, pgUUIDFromString(classroomID))
	return scanAttendanceRecord(row)
}

// Aggregation

func (q *Queries) CountSessionsByClassroom(ctx context.Context) ([]ClassroomSessionCount, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT classroom_id, COUNT(DISTINCT class_session_id)
		FROM attendance_records GROUP BY classroom_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var counts []ClassroomSessionCount
	for rows.Next() {
		var id pgtype.UUID
		var count ClassroomSessionCount
		if err := rows.Scan(&id, &count.TotalSessions); err != nil {
			return nil, err
		}
		count.ClassroomID = uuidString(id)
		counts = append(counts, count)
	}
	return counts, rows.Err()
}

func (q *Queries) ListStudentClassroomCombos(ctx context.Context) ([]StudentClassroomCombo, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT DISTINCT roll_no, classroom_id, classroom_name FROM attendance_records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var combos []StudentClassroomCombo
	for rows.Next() {
		var id pgtype.UUID
		var combo StudentClassroomCombo
		if err := rows.Scan(&combo.RollNo, &id, &combo.ClassroomName); err != nil {
			return nil, err
		}
		combo.ClassroomID = uuidString(id)
		combos = append(combos, combo)
	}
	return combos, rows.Err()
}

func (q *Queries) CountAttendedSessions(ctx context.Context, rollNo, classroomID string) (int64, error) {
	var count int64
	err := q.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT class_session_id) FROM attendance_records
		WHERE roll_no = $1 AND classroom_id = $2`,
		rollNo, pgUUIDFromString(classroomID)).Scan(&count)
	return count, err
}

// Attendance percentages

func (q *Queries) UpsertAttendancePercentage(ctx context.Context, params UpsertAttendancePercentageParams) error {
	_, err := q.pool.Exec(ctx, `
		INSERT INTO attendance_percentages
			(email, display_name, roll_no, classroom_id, classroom_name,
			 attendance_percentage, last_updated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (roll_no, classroom_id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			classroom_name = EXCLUDED.classroom_name,
			attendance_percentage = EXCLUDED.attendance_percentage,
			last_updated_at = EXCLUDED.last_updated_at,
			updated_at = now()`,
		params.Email,
		params.DisplayName,
		params.RollNo,
		pgUUIDFromString(params.ClassroomID),
		params.ClassroomName,
		params.AttendancePercentage,
		pgTime(params.LastUpdatedAt))
	return err
}

func (q *Queries) ListAttendancePercentages(ctx context.Context) ([]AttendancePercentage, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT email, display_name, roll_no, classroom_id, classroom_name,
		       attendance_percentage, last_updated_at
		FROM attendance_percentages ORDER BY roll_no`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var percentages []AttendancePercentage
	for rows.Next() {
		record, err := scanAttendancePercentage(rows)
		if err != nil {
			return nil, err
		}
		percentages = append(percentages, record)
	}
	return percentages, rows.Err()
}

func (q *Queries) GetAttendancePercentageByRoll(ctx context.Context, rollNo string) (AttendancePercentage, error) {
	row := q.pool.QueryRow(ctx, `
		SELECT email, display_name, roll_no, classroom_id, classroom_name,
		       attendance_percentage, last_updated_at
		FROM attendance_percentages WHERE roll_no = $1 LIMIT 1`, rollNo)
	return scanAttendancePercentage(row)
}

func (q *Queries) UpdateAttendancePercentageByRoll(ctx context.Context, params UpdateAttendancePercentageParams) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE attendance_percentages SET
			email = COALESCE($2, email),
			display_name = COALESCE($3, display_name),
			attendance_percentage = COALESCE($4, attendance_percentage),
			last_updated_at = now(),
			updated_at = now()
		WHERE roll_no = $1`,
		params.RollNo,
		pgTextPtr(params.Email),
		pgTextPtr(params.DisplayName),
		pgFloatPtr(params.AttendancePercentage))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) DeleteAttendancePercentageByRoll(ctx context.Context, rollNo string) (int64, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM attendance_percentages WHERE roll_no = $1`, rollNo)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Row scanning

func scanAttendanceRecord(row pgx.Row) (AttendanceRecord, error) {
	var id, classroomID pgtype.UUID
	var email, displayName pgtype.Text
	var date pgtype.Date
	var scannedAt, createdAt pgtype.Timestamptz
	var record AttendanceRecord
	err := row.Scan(&id, &record.RollNo, &record.DeviceID, &classroomID,
		&record.ClassroomName, &record.ClassSessionID, &email, &displayName,
		&date, &scannedAt, &createdAt)
	if err != nil {
		return AttendanceRecord{}, err
	}
	record.ID = uuidString(id)
	record.ClassroomID = uuidString(classroomID)
	record.Email = email.String
	record.DisplayName = displayName.String
	record.Date = date.Time
	record.ScannedAt = scannedAt.Time
	record.CreatedAt = createdAt.Time
	return record, nil
}

func collectAttendanceRecords(rows pgx.Rows) ([]AttendanceRecord, error) {
	defer rows.Close()
	var records []AttendanceRecord
	for rows.Next() {
		record, err := scanAttendanceRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanAttendancePercentage(row pgx.Row) (AttendancePercentage, error) {
	var classroomID pgtype.UUID
	var lastUpdatedAt pgtype.Timestamptz
	var record AttendancePercentage
	err := row.Scan(&record.Email, &record.DisplayName, &record.RollNo,
		&classroomID, &record.ClassroomName, &record.AttendancePercentage, &lastUpdatedAt)
	if err != nil {
		return AttendancePercentage{}, err
	}
	record.ClassroomID = uuidString(classroomID)
	record.LastUpdatedAt = lastUpdatedAt.Time
	return record, nil
}

// pg helpers

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgUUIDFromString(id string) pgtype.UUID {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}
}

func uuidString(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	return uuid.UUID(id.Bytes).String()
}

func pgTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func nowPgTime() pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true}
}

func pgDate(t time.Time) pgtype.Date {
	return pgtype.Date{Time: t.UTC(), Valid: true}
}

func pgTextValue(value string) pgtype.Text {
	return pgtype.Text{String: value, Valid: value != ""}
}

func pgTextPtr(value *string) pgtype.Text {
	if value == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *value, Valid: true}
}

func pgFloatPtr(value *float64) pgtype.Float8 {
	if value == nil {
		return pgtype.Float8{}
	}
	return pgtype.Float8{Float64: *value, Valid: true}
}

package scan

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"rollcall/attendance/internal/db"
	"rollcall/attendance/internal/session"
)

// Code is the outcome of one scan attempt. Every rejection carries a
// distinct code so clients can tell a stale token from a forged one from a
// duplicate.
type Code string

const (
	CodeSuccess         Code = "SUCCESS"
	CodeDecryptFailed   Code = "DECRYPT_FAILED"
	CodeMissingFields   Code = "MISSING_FIELDS"
	CodeSessionExpired  Code = "SESSION_EXPIRED"
	CodeStoreParseError Code = "REDIS_PARSE_ERROR"
	CodeMismatchData    Code = "MISMATCH_DATA"
	CodeExpired         Code = "EXPIRED"
	CodeNotEnrolled     Code = "NOT_ENROLLED"
	CodeDeviceMismatch  Code = "DEVICE_MISMATCH"
	CodeAlreadyMarked   Code = "ALREADY_MARKED"
	CodeServerError     Code = "SERVER_ERROR"
)

func (c Code) HTTPStatus() int {
	switch c {
	case CodeSuccess:
		return http.StatusOK
	case CodeDecryptFailed, CodeMissingFields:
		return http.StatusBadRequest
	case CodeMismatchData, CodeNotEnrolled, CodeDeviceMismatch:
		return http.StatusForbidden
	case CodeAlreadyMarked:
		return http.StatusConflict
	case CodeSessionExpired, CodeExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

var messages = map[Code]string{
	CodeSuccess:         "Attendance marked successfully",
	CodeDecryptFailed:   "Failed to decrypt QR",
	CodeMissingFields:   "Missing required fields",
	CodeSessionExpired:  "QR session expired or invalid",
	CodeStoreParseError: "Internal server error",
	CodeMismatchData:    "Session or classroom mismatch",
	CodeExpired:         "QR expired",
	CodeNotEnrolled:     "Not enrolled in this classroom",
	CodeDeviceMismatch:  "Attendance already marked from another device",
	CodeAlreadyMarked:   "Attendance already recorded",
	CodeServerError:     "Internal server error",
}

type Result struct {
	Code    Code
	Message string
}

func result(code Code) Result {
	return Result{Code: code, Message: messages[code]}
}

// Request is one scan attempt. Identity fields come from the authenticated
// caller, never from the request body.
type Request struct {
	RollNo           string
	Email            string
	DisplayName      string
	EncryptedPayload string
	DeviceID         string
	ScannedAt        time.Time
}

type Decrypter interface {
	Decrypt(envelope string, out any) error
}

type SessionReader interface {
	Lookup(ctx context.Context, sessionID string) (session.Record, error)
}

type ClassroomReader interface {
	GetClassroom(ctx context.Context, classroomID string) (db.Classroom, error)
}

type AttendanceStore interface {
	GetAttendance(ctx context.Context, classSessionID, rollNo string) (db.AttendanceRecord, error)
	CreateAttendance(ctx context.Context, params db.CreateAttendanceParams) error
}

// Validator runs the scan pipeline: decode, field completeness, session
// lookup, cross-match, freshness, enrollment, duplicate/device binding,
// commit. The first failing stage short-circuits.
type Validator struct {
	cipher     Decrypter
	sessions   SessionReader
	classrooms ClassroomReader
	attendance AttendanceStore
}

func NewValidator(cipher Decrypter, sessions SessionReader, classrooms ClassroomReader, attendance AttendanceStore) *Validator {
	return &Validator{
		cipher:     cipher,
		sessions:   sessions,
		classrooms: classrooms,
		attendance: attendance,
	}
}

func (v *Validator) Validate(ctx context.Context, req Request) Result {
	var payload session.Record
	if err := v.cipher.Decrypt(req.EncryptedPayload, &payload); err != nil {
		return result(CodeDecryptFailed)
	}

	if req.RollNo == "" || req.DeviceID == "" ||
		payload.SessionID == "" || payload.ClassroomID == "" ||
		payload.ClassSessionID == "" || payload.ExpiresAt == 0 {
		return result(CodeMissingFields)
	}

	stored, err := v.sessions.Lookup(ctx, payload.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			return result(CodeSessionExpired)
		case errors.Is(err, session.ErrCorruptRecord):
			return result(CodeStoreParseError)
		default:
			return result(CodeServerError)
		}
	}

	if payload.ClassroomID != stored.ClassroomID || payload.ClassSessionID != stored.ClassSessionID {
		return result(CodeMismatchData)
	}

	if time.Now().UnixMilli() > stored.ExpiresAt {
		return result(CodeExpired)
	}

	classroom, err := v.classrooms.GetClassroom(ctx, payload.ClassroomID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return result(CodeNotEnrolled)
		}
		return result(CodeServerError)
	}
	if !classroom.HasRoll(req.RollNo) {
		return result(CodeNotEnrolled)
	}

	existing, err := v.attendance.GetAttendance(ctx, payload.ClassSessionID, req.RollNo)
	if err == nil {
		return duplicateResult(existing, req.DeviceID)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return result(CodeServerError)
	}

	scannedAt := req.ScannedAt
	if scannedAt.IsZero() {
		scannedAt = time.Now().UTC()
	}
	err = v.attendance.CreateAttendance(ctx, db.CreateAttendanceParams{
		RollNo:         req.RollNo,
		DeviceID:       req.DeviceID,
		ClassroomID:    payload.ClassroomID,
		ClassroomName:  classroom.Name,
		ClassSessionID: payload.ClassSessionID,
		Email:          req.Email,
		DisplayName:    req.DisplayName,
		Date:           midnight(time.Now().UTC()),
		ScannedAt:      scannedAt,
	})
	if err != nil {
		// Two near-simultaneous scans can both pass the existence check;
		// the unique index decides the winner and the loser lands here.
		if db.IsUniqueViolation(err) {
			winner, fetchErr := v.attendance.GetAttendance(ctx, payload.ClassSessionID, req.RollNo)
			if fetchErr != nil {
				return result(CodeServerError)
			}
			return duplicateResult(winner, req.DeviceID)
		}
		return result(CodeServerError)
	}

	return result(CodeSuccess)
}

func duplicateResult(existing db.AttendanceRecord, deviceID string) Result {
	if existing.DeviceID != deviceID {
		return result(CodeDeviceMismatch)
	}
	return result(CodeAlreadyMarked)
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

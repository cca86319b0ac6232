package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"

	"rollcall/attendance/internal/auth"
	"rollcall/attendance/internal/config"
	"rollcall/attendance/internal/crypto"
	"rollcall/attendance/internal/db"
	"rollcall/attendance/internal/scan"
	"rollcall/attendance/internal/session"
)

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":                  "",
		"Bearer abc":        "abc",
		"bearer abc":        "abc",
		"Bearer  abc ":      "abc",
		"Basic dXNlcg==":    "",
		"Bearerabc":         "",
		"Bearer":            "",
		"Token Bearer abc":  "",
		"Bearer abc def gh": "abc def gh",
	}
	for input, expect := range cases {
		if got := bearerToken(input); got != expect {
			t.Fatalf("bearerToken(%q) = %q, want %q", input, got, expect)
		}
	}
}

func TestScannedAtTime(t *testing.T) {
	if !scannedAtTime(0).IsZero() {
		t.Fatalf("expected zero time for 0 millis")
	}
	if !scannedAtTime(-5).IsZero() {
		t.Fatalf("expected zero time for negative millis")
	}
	at := scannedAtTime(1714550400000)
	if at.UnixMilli() != 1714550400000 {
		t.Fatalf("expected millis to round-trip, got %d", at.UnixMilli())
	}
	if at.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", at.Location())
	}
}

// Scan endpoint fakes.

type fakeSessionReader struct {
	records map[string]session.Record
}

func (f *fakeSessionReader) Lookup(_ context.Context, sessionID string) (session.Record, error) {
	record, ok := f.records[sessionID]
	if !ok {
		return session.Record{}, session.ErrSessionNotFound
	}
	return record, nil
}

type fakeClassroomReader struct {
	classrooms map[string]db.Classroom
}

func (f *fakeClassroomReader) GetClassroom(_ context.Context, classroomID string) (db.Classroom, error) {
	classroom, ok := f.classrooms[classroomID]
	if !ok {
		return db.Classroom{}, pgx.ErrNoRows
	}
	return classroom, nil
}

type fakeAttendanceStore struct {
	records map[string]db.AttendanceRecord
}

func (f *fakeAttendanceStore) GetAttendance(_ context.Context, classSessionID, rollNo string) (db.AttendanceRecord, error) {
	record, ok := f.records[classSessionID+"|"+rollNo]
	if !ok {
		return db.AttendanceRecord{}, pgx.ErrNoRows
	}
	return record, nil
}

func (f *fakeAttendanceStore) CreateAttendance(_ context.Context, params db.CreateAttendanceParams) error {
	f.records[params.ClassSessionID+"|"+params.RollNo] = db.AttendanceRecord{
		RollNo:         params.RollNo,
		DeviceID:       params.DeviceID,
		ClassroomID:    params.ClassroomID,
		ClassSessionID: params.ClassSessionID,
	}
	return nil
}

const (
	testSecret = "unit-test-secret"
	testIssuer = "rollcall-auth"
)

func signToken(t *testing.T, claims auth.Claims) string {
	t.Helper()
	claims.Issuer = testIssuer
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestServer(t *testing.T) (*Server, *crypto.Cipher, session.Record) {
	t.Helper()
	cfg := config.Config{
		JWTSecret:     testSecret,
		JWTIssuer:     testIssuer,
		QRSecret:      "qr-unit-secret",
		AllowedOrigin: "http://localhost:5173",
	}
	cipher := crypto.NewCipher(cfg.QRSecret)

	now := time.Now()
	record := session.Record{
		SessionID:      session.NewSessionID(now),
		ClassroomID:    "classroom-1",
		ClassSessionID: session.ClassSessionID("classroom-1", now),
		ExpiresAt:      now.Add(time.Minute).UnixMilli(),
	}

	validator := scan.NewValidator(
		cipher,
		&fakeSessionReader{records: map[string]session.Record{record.SessionID: record}},
		&fakeClassroomReader{classrooms: map[string]db.Classroom{
			"classroom-1": {ID: "classroom-1", Name: "Networks", StudentRolls: []string{"AP21110010001"}},
		}},
		&fakeAttendanceStore{records: map[string]db.AttendanceRecord{}},
	)
	return NewServer(cfg, &db.Store{}, nil, validator), cipher, record
}

func postScan(t *testing.T, handler http.Handler, token string, body scanRequest) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/attendance/scan", bytes.NewReader(payload))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestScanEndpoint(t *testing.T) {
	server, cipher, record := newTestServer(t)
	handler := server.Router()

	envelope, err := cipher.Encrypt(record)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	token := signToken(t, auth.Claims{RollNo: "AP21110010001", Role: "student", Email: "s@example.edu"})

	rec := postScan(t, handler, token, scanRequest{EncryptedPayload: envelope, DeviceID: "device-a"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp scanResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != "SUCCESS" {
		t.Fatalf("expected SUCCESS, got %s", resp.Code)
	}

	// Same device again.
	rec = postScan(t, handler, token, scanRequest{EncryptedPayload: envelope, DeviceID: "device-a"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	// Different device for the same student.
	rec = postScan(t, handler, token, scanRequest{EncryptedPayload: envelope, DeviceID: "device-b"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestScanEndpointDecryptFailed(t *testing.T) {
	server, _, _ := newTestServer(t)
	token := signToken(t, auth.Claims{RollNo: "AP21110010001", Role: "student"})

	rec := postScan(t, server.Router(), token, scanRequest{EncryptedPayload: "not-an-envelope", DeviceID: "device-a"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp scanResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != "DECRYPT_FAILED" {
		t.Fatalf("expected DECRYPT_FAILED, got %s", resp.Code)
	}
}

func TestScanEndpointRequiresToken(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := postScan(t, server.Router(), "", scanRequest{EncryptedPayload: "x", DeviceID: "device-a"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareQueryToken(t *testing.T) {
	server, cipher, record := newTestServer(t)
	handler := server.Router()

	envelope, err := cipher.Encrypt(record)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	token := signToken(t, auth.Claims{RollNo: "AP21110010001", Role: "student"})

	payload, _ := json.Marshal(scanRequest{EncryptedPayload: envelope, DeviceID: "device-a"})
	req := httptest.NewRequest(http.MethodPost, "/attendance/scan?token="+token, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 via query token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthMiddlewareRejectsBadToken(t *testing.T) {
	server, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/attendance", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

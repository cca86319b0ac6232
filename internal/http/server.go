package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/attendance/internal/auth"
	"rollcall/attendance/internal/config"
	"rollcall/attendance/internal/db"
	"rollcall/attendance/internal/scan"
	"rollcall/attendance/internal/session"
)

type Server struct {
	cfg       config.Config
	store     *db.Store
	rotator   *session.Rotator
	validator *scan.Validator
	upgrader  websocket.Upgrader
}

func NewServer(cfg config.Config, store *db.Store, rotator *session.Rotator, validator *scan.Validator) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		rotator:   rotator,
		validator: validator,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origin == cfg.AllowedOrigin
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/qr/live", s.handleQRLive)

		r.Post("/attendance/scan", s.handleScan)
		r.Get("/attendance", s.handleListAttendance)
		r.Get("/attendance/student", s.handleStudentAttendance)
		r.Get("/attendance/admin/{classroomId}", s.handleClassroomAttendance)

		r.Get("/percentages", s.handleListPercentages)
		r.Get("/percentages/roll/{rollNo}", s.handleGetPercentage)
		r.Put("/percentages/roll/{rollNo}", s.handleUpdatePercentage)
		r.Delete("/percentages/roll/{rollNo}", s.handleDeletePercentage)
	})

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			// Browser websocket clients cannot set headers.
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// Models

type scanRequest struct {
	EncryptedPayload string `json:"encryptedPayload"`
	ScannedAt        int64  `json:"scannedAt"`
	DeviceID         string `json:"deviceId"`
}

type scanResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type attendanceResponse struct {
	ID             string `json:"id"`
	RollNo         string `json:"rollNo"`
	DeviceID       string `json:"deviceId"`
	ClassroomID    string `json:"classroomId"`
	ClassroomName  string `json:"classroomName"`
	ClassSessionID string `json:"classSessionId"`
	Date           int64  `json:"date"`
	ScannedAt      int64  `json:"scannedAt"`
}

type percentageResponse struct {
	Email                string  `json:"email"`
	DisplayName          string  `json:"displayName"`
	RollNo               string  `json:"rollNo"`
	ClassroomID          string  `json:"classroomId"`
	ClassroomName        string  `json:"classroomName"`
	AttendancePercentage float64 `json:"attendancePercentage"`
	LastUpdatedAt        int64   `json:"lastUpdatedAt"`
}

type updatePercentageRequest struct {
	Email                *string  `json:"email"`
	DisplayName          *string  `json:"displayName"`
	AttendancePercentage *float64 `json:"attendancePercentage"`
}

// Handlers

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req scanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	result := s.validator.Validate(r.Context(), scan.Request{
		RollNo:           claims.RollNo,
		Email:            claims.Email,
		DisplayName:      claims.DisplayName,
		EncryptedPayload: req.EncryptedPayload,
		DeviceID:         req.DeviceID,
		ScannedAt:        scannedAtTime(req.ScannedAt),
	})
	scanOutcomes.WithLabelValues(string(result.Code)).Inc()
	writeJSON(w, result.Code.HTTPStatus(), scanResponse{
		Code:    string(result.Code),
		Message: result.Message,
	})
}

func (s *Server) handleListAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil || claims.Role != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	records, err := s.store.Queries.ListAttendance(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapAttendanceRecords(records))
}

func (s *Server) handleStudentAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil || claims.RollNo == "" {
		writeError(w, http.StatusUnauthorized, "missing_roll_no")
		return
	}
	records, err := s.store.Queries.ListAttendanceByStudent(r.Context(), claims.RollNo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapAttendanceRecords(records))
}

func (s *Server) handleClassroomAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil || claims.Role != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	classroomID := chi.URLParam(r, "classroomId")
	records, err := s.store.Queries.ListAttendanceByClassroom(r.Context(), classroomID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapAttendanceRecords(records))
}

func (s *Server) handleListPercentages(w http.ResponseWriter, r *http.Request) {
	percentages, err := s.store.Queries.ListAttendancePercentages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]percentageResponse, 0, len(percentages))
	for _, record := range percentages {
		resp = append(resp, mapPercentage(record))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPercentage(w http.ResponseWriter, r *http.Request) {
	rollNo := chi.URLParam(r, "rollNo")
	record, err := s.store.Queries.GetAttendancePercentageByRoll(r.Context(), rollNo)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "student_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapPercentage(record))
}

func (s *Server) handleUpdatePercentage(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil || claims.Role != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	rollNo := chi.URLParam(r, "rollNo")
	var req updatePercentageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	affected, err := s.store.Queries.UpdateAttendancePercentageByRoll(r.Context(), db.UpdateAttendancePercentageParams{
		RollNo:               rollNo,
		Email:                req.Email,
		DisplayName:          req.DisplayName,
		AttendancePercentage: req.AttendancePercentage,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if affected == 0 {
		writeError(w, http.StatusNotFound, "student_not_found")
		return
	}
	record, err := s.store.Queries.GetAttendancePercentageByRoll(r.Context(), rollNo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapPercentage(record))
}

func (s *Server) handleDeletePercentage(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil || claims.Role != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	rollNo := chi.URLParam(r, "rollNo")
	affected, err := s.store.Queries.DeleteAttendancePercentageByRoll(r.Context(), rollNo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if affected == 0 {
		writeError(w, http.StatusNotFound, "student_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Student record deleted"})
}

// Mapping helpers

func mapAttendanceRecords(records []db.AttendanceRecord) []attendanceResponse {
	resp := make([]attendanceResponse, 0, len(records))
	for _, record := range records {
		resp = append(resp, attendanceResponse{
			ID:             record.ID,
			RollNo:         record.RollNo,
			DeviceID:       record.DeviceID,
			ClassroomID:    record.ClassroomID,
			ClassroomName:  record.ClassroomName,
			ClassSessionID: record.ClassSessionID,
			Date:           record.Date.UnixMilli(),
			ScannedAt:      record.ScannedAt.UnixMilli(),
		})
	}
	return resp
}

func mapPercentage(record db.AttendancePercentage) percentageResponse {
	resp := percentageResponse{
		Email:                record.Email,
		DisplayName:          record.DisplayName,
		RollNo:               record.RollNo,
		ClassroomID:          record.ClassroomID,
		ClassroomName:        record.ClassroomName,
		AttendancePercentage: record.AttendancePercentage,
	}
	if !record.LastUpdatedAt.IsZero() {
		resp.LastUpdatedAt = record.LastUpdatedAt.UnixMilli()
	}
	return resp
}

// Utilities

func scannedAtTime(millis int64) time.Time {
	if millis <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis).UTC()
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

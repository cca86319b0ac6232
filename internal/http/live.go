package http

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type liveControl struct {
	Action      string `json:"action"`
	ClassroomID string `json:"classroomId"`
}

type liveFrame struct {
	Event          string `json:"event"`
	ClassroomID    string `json:"classroomId,omitempty"`
	ClassSessionID string `json:"classSessionId,omitempty"`
	QRString       string `json:"qrString,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleQRLive is the presenter channel: a websocket on which the teacher
// starts and stops rotation per classroom and receives one qr-update frame
// per tick. Every rotation started on this connection is released when the
// connection closes, whichever way it ends.
func (s *Server) handleQRLive(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil || (claims.Role != "teacher" && claims.Role != "admin") {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("qr live: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	owner := uuid.New().String()
	defer s.rotator.StopOwner(owner)

	out := make(chan liveFrame, 16)
	done := make(chan struct{})
	defer close(done)

	// Single writer goroutine; frames from ticks and acks from the control
	// loop both funnel through out.
	go func() {
		for {
			select {
			case <-done:
				return
			case frame := <-out:
				if err := conn.WriteJSON(frame); err != nil {
					log.Printf("qr live: write failed: %v", err)
					return
				}
			}
		}
	}()

	subscriptions := make(map[string]func())
	defer func() {
		for _, cancel := range subscriptions {
			cancel()
		}
	}()

	for {
		var control liveControl
		if err := conn.ReadJSON(&control); err != nil {
			return
		}
		switch control.Action {
		case "start-qr":
			s.startRotation(r.Context(), control.ClassroomID, owner, out, done, subscriptions)
		case "stop-qr":
			s.rotator.Stop(control.ClassroomID)
			if cancel, ok := subscriptions[control.ClassroomID]; ok {
				cancel()
				delete(subscriptions, control.ClassroomID)
			}
			send(out, liveFrame{Event: "qr-stopped", ClassroomID: control.ClassroomID})
		default:
			send(out, liveFrame{Event: "error", Error: "unknown_action"})
		}
	}
}

func (s *Server) startRotation(ctx context.Context, classroomID, owner string, out chan liveFrame, done <-chan struct{}, subscriptions map[string]func()) {
	if classroomID == "" {
		send(out, liveFrame{Event: "error", Error: "missing_classroom_id"})
		return
	}
	if _, err := s.store.Queries.GetClassroom(ctx, classroomID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			send(out, liveFrame{Event: "error", ClassroomID: classroomID, Error: "classroom_not_found"})
			return
		}
		send(out, liveFrame{Event: "error", ClassroomID: classroomID, Error: "server_error"})
		return
	}

	classSessionID := s.rotator.Start(classroomID, owner)
	if _, ok := subscriptions[classroomID]; !ok {
		frames, cancel := s.rotator.Subscribe(classroomID)
		subscriptions[classroomID] = cancel
		go func() {
			for frame := range frames {
				select {
				case out <- liveFrame{Event: "qr-update", ClassroomID: frame.ClassroomID, QRString: frame.QRString}:
				case <-done:
					return
				default:
				}
			}
		}()
	}
	send(out, liveFrame{Event: "qr-started", ClassroomID: classroomID, ClassSessionID: classSessionID})
}

func send(out chan liveFrame, frame liveFrame) {
	select {
	case out <- frame:
	default:
	}
}

package session

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Record is both the encrypted QR payload and the value stored in Redis
// under qr:session:{sessionId}. ExpiresAt is Unix milliseconds.
type Record struct {
	SessionID      string `json:"sessionId"`
	ClassroomID    string `json:"classroomId"`
	ClassSessionID string `json:"classSessionId"`
	ExpiresAt      int64  `json:"expiresAt"`
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewSessionID mints a token identifier: a UUID, a 9-char random suffix and
// the current Unix-millis timestamp. The random parts come from crypto/rand.
func NewSessionID(now time.Time) string {
	return uuid.New().String() + randAlnum(9) + strconv.FormatInt(now.UnixMilli(), 10)
}

func randAlnum(n int) string {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failure means the process is in a bad state;
			// fall back to a fixed char rather than panicking mid-tick.
			buf[i] = alphanumeric[0]
			continue
		}
		buf[i] = alphanumeric[idx.Int64()]
	}
	return string(buf)
}

// ClassSessionID derives the stable identifier for one class meeting:
// classroomId, calendar date and half-day period. Every rotated token of a
// run maps to the same class session.
func ClassSessionID(classroomID string, now time.Time) string {
	period := "forenoon"
	if now.Hour() >= 13 {
		period = "afternoon"
	}
	return fmt.Sprintf("%s_%s_%s", classroomID, now.Format("2006-01-02"), period)
}

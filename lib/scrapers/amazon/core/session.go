package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type Credentials struct {
	Username string
	Password string
	// OtpSecret is an optional base32 TOTP seed used to answer
	// one-time-password challenges locally.
	OtpSecret string
	// OtpCode is an optional externally obtained single-use code,
	// consulted when no OtpSecret is set.
	OtpCode string
}

// LogValue keeps secrets out of log output.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("password", "<redacted>"),
		slog.Bool("has_otp_secret", c.OtpSecret != ""),
	)
}

type SessionState int

const (
	SessionUnauthenticated SessionState = iota
	SessionAuthenticated
	// SessionExpired sessions must be discarded, never reused for
	// requests.
	SessionExpired
)

func (s SessionState) String() string {
	switch s {
	case SessionAuthenticated:
		return "authenticated"
	case SessionExpired:
		return "expired"
	default:
		return "unauthenticated"
	}
}

// Session is the authenticated cookie/state bundle proving a prior
// successful login.
type Session struct {
	State           SessionState   `json:"-"`
	CustomerID      string         `json:"customer_id"`
	AuthenticatedAt time.Time      `json:"authenticated_at"`
	Cookies         []*http.Cookie `json:"cookies"`
}

// Fresh reports whether the session's last successful authentication
// is recent enough to be trusted without a validity probe.
func (s *Session) Fresh(maxAge time.Duration, now time.Time) bool {
	return now.Sub(s.AuthenticatedAt) <= maxAge
}

// Blob serializes the session for persistence by an external store.
func (s *Session) Blob() ([]byte, error) {
	return json.Marshal(s)
}

// RestoreSession decodes a persisted session blob. The result is
// unauthenticated until it passes a validity probe.
func RestoreSession(blob []byte) (*Session, error) {
	var s Session
	err := json.Unmarshal(blob, &s)
	if err != nil {
		return nil, err
	}
	s.State = SessionUnauthenticated
	return &s, nil
}

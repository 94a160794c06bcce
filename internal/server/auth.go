package server

import (
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

const sessionCookie = "fleetrelay_session"

// Session represents an operator session.
type Session struct {
	ID        string
	CSRFToken string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// loginLimiter tracks login attempts per IP.
type loginLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
}

func newLoginLimiter(limit int, window time.Duration) *loginLimiter {
	return &loginLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// allow reports whether a login attempt from the given IP may proceed.
func (l *loginLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	var recent []time.Time
	for _, t := range l.attempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	// Check the limit BEFORE recording this attempt
	if len(recent) >= l.limit {
		l.attempts[ip] = recent
		return false
	}

	l.attempts[ip] = append(recent, now)
	return true
}

func (l *loginLimiter) reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, ip)
}

// AuthService handles operator and device authentication.
type AuthService struct {
	cfg     *Config
	db      *sql.DB
	limiter *loginLimiter
}

// NewAuthService creates the auth service and its session table.
func NewAuthService(cfg *Config, db *sql.DB) (*AuthService, error) {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		csrf_token TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`)
	if err != nil {
		return nil, err
	}

	return &AuthService{
		cfg:     cfg,
		db:      db,
		limiter: newLoginLimiter(cfg.LoginRateLimit, cfg.LoginRateWindow),
	}, nil
}

// CheckPassword verifies the operator password against the hash.
func (a *AuthService) CheckPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(a.cfg.PasswordHash), []byte(password))
	return err == nil
}

// CheckTOTP verifies the TOTP code.
func (a *AuthService) CheckTOTP(code string) bool {
	if !a.cfg.HasTOTP() {
		return true // TOTP not required
	}
	return totp.Validate(code, a.cfg.TOTPSecret)
}

// CreateSession creates a new session and stores it in the database.
func (a *AuthService) CreateSession() (*Session, error) {
	sessionID, err := generateSecureToken(32)
	if err != nil {
		return nil, err
	}
	csrfToken, err := generateSecureToken(32)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:        sessionID,
		CSRFToken: csrfToken,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(a.cfg.SessionDuration),
	}

	_, err = a.db.Exec(
		`INSERT INTO sessions (id, csrf_token, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.CSRFToken, session.CreatedAt, session.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	return session, nil
}

// GetSession retrieves a session from the database.
func (a *AuthService) GetSession(sessionID string) (*Session, error) {
	session := &Session{}
	err := a.db.QueryRow(
		`SELECT id, csrf_token, created_at, expires_at FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&session.ID, &session.CSRFToken, &session.CreatedAt, &session.ExpiresAt)
	if err != nil {
		return nil, err
	}

	if time.Now().After(session.ExpiresAt) {
		_ = a.DeleteSession(sessionID)
		return nil, sql.ErrNoRows
	}

	return session, nil
}

// DeleteSession removes a session from the database.
func (a *AuthService) DeleteSession(sessionID string) error {
	_, err := a.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}

// DeleteExpiredSessions removes all expired sessions and returns the count.
func (a *AuthService) DeleteExpiredSessions() (int64, error) {
	result, err := a.db.Exec(`DELETE FROM sessions WHERE expires_at < ?`, time.Now())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// ValidateCSRF checks if the CSRF token matches the session.
func (a *AuthService) ValidateCSRF(session *Session, token string) bool {
	return subtle.ConstantTimeCompare([]byte(session.CSRFToken), []byte(token)) == 1
}

// IsRateLimited checks if the IP is rate limited.
func (a *AuthService) IsRateLimited(ip string) bool {
	return !a.limiter.allow(ip)
}

// ResetRateLimit clears rate limit for an IP.
func (a *AuthService) ResetRateLimit(ip string) {
	a.limiter.reset(ip)
}

// SetSessionCookie sets the session cookie on the response.
func (a *AuthService) SetSessionCookie(w http.ResponseWriter, session *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})
}

// ClearSessionCookie clears the session cookie.
func (a *AuthService) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// GetSessionFromRequest extracts the session from the request cookie.
func (a *AuthService) GetSessionFromRequest(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, err
	}
	return a.GetSession(cookie.Value)
}

// ValidateDeviceToken checks the bearer token presented by a device.
func (a *AuthService) ValidateDeviceToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(a.cfg.DeviceToken), []byte(token)) == 1
}

func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

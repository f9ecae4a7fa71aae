// Package auth manages the vendor bearer credential and session cookies.
//
// The bearer is a JWT entered manually by the operator (or seeded from the
// environment). Store decodes the payload segment to learn the expiry and the
// user id, persists the credential to token.json, and gates the streamer and
// fetcher: they call Valid()/Bearer() before every connection and MarkInvalid()
// on the first 401 they see.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// claims is the subset of the JWT payload the service cares about.
type claims struct {
	Exp  int64 `json:"exp"`
	Data struct {
		UID int64 `json:"uid"`
	} `json:"data"`
}

// persisted is the on-disk shape of token.json.
type persisted struct {
	Token    string `json:"token"`
	Exp      int64  `json:"exp,omitempty"`
	Cookies  string `json:"cookies,omitempty"`
	UserID   int64  `json:"user_id,omitempty"`
	IssuedAt string `json:"issued_at,omitempty"`
}

// Status is the token classification reported to the control surface.
type Status struct {
	HasToken        bool       `json:"has_token"`
	Valid           bool       `json:"valid"`
	Expired         bool       `json:"expired"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	TimeUntilExpiry int64      `json:"time_until_expiry,omitempty"`
}

// Store holds the bearer token, its decoded expiry, and session cookies.
// All access goes through one mutex; reads return copies.
type Store struct {
	mu       sync.Mutex
	token    string
	exp      int64 // epoch seconds, 0 = unknown
	cookies  string
	userID   int64
	issuedAt time.Time

	path   string // token.json location
	logger *slog.Logger
}

// NewStore creates a token store persisting to dir/token.json. A previously
// saved token is loaded best-effort; load errors leave the store empty.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &Store{
		path:   filepath.Join(dir, "token.json"),
		logger: logger.With("component", "token_store"),
	}
	s.load()
	return s, nil
}

// Set validates and stores a new bearer token with optional session cookies.
// The JWT payload must decode; a malformed token fails without mutating state.
func (s *Store) Set(bearer, cookies string) (time.Time, error) {
	c, err := decodeClaims(bearer)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = bearer
	s.exp = c.Exp
	s.cookies = cookies
	s.userID = c.Data.UID
	s.issuedAt = time.Now()
	s.saveLocked()

	var expiresAt time.Time
	if c.Exp > 0 {
		expiresAt = time.Unix(c.Exp, 0)
	}
	s.logger.Info("token set", "user_id", s.userID, "expires_at", expiresAt)
	return expiresAt, nil
}

// Bearer returns the token iff one is present and not past its expiry.
// An unknown expiry is treated as valid.
func (s *Store) Bearer() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" || s.expiredLocked() {
		return "", false
	}
	return s.token, true
}

// Cookies returns the stored session cookies (may be empty).
func (s *Store) Cookies() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookies
}

// UserID returns the uid claim decoded from the current token, 0 if none.
func (s *Store) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// MarkInvalid clears the credential. Called by consumers on the first
// 401/403; the operator must enter a fresh token.
func (s *Store) MarkInvalid() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return
	}
	s.token = ""
	s.exp = 0
	s.cookies = ""
	s.userID = 0
	s.issuedAt = time.Time{}
	s.saveLocked()
	s.logger.Warn("token marked invalid, operator action required")
}

// Status classifies the current credential for the control surface.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == "" {
		return Status{}
	}
	st := Status{HasToken: true}
	if s.expiredLocked() {
		st.Expired = true
		return st
	}
	st.Valid = true
	if s.exp > 0 {
		t := time.Unix(s.exp, 0)
		st.ExpiresAt = &t
		st.TimeUntilExpiry = s.exp - time.Now().Unix()
	}
	return st
}

func (s *Store) expiredLocked() bool {
	return s.exp > 0 && time.Now().Unix() >= s.exp
}

// load reads token.json if present. Errors are logged and ignored — the
// store simply starts empty.
func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read token file", "error", err)
		}
		return
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("failed to parse token file", "error", err)
		return
	}
	s.token = p.Token
	s.exp = p.Exp
	s.cookies = p.Cookies
	s.userID = p.UserID
	if p.IssuedAt != "" {
		if t, err := time.Parse(time.RFC3339, p.IssuedAt); err == nil {
			s.issuedAt = t
		}
	}
}

// saveLocked persists the current state atomically (tmp + rename).
// Persistence is best-effort; failures are logged, not returned.
func (s *Store) saveLocked() {
	p := persisted{
		Token:   s.token,
		Exp:     s.exp,
		Cookies: s.cookies,
		UserID:  s.userID,
	}
	if !s.issuedAt.IsZero() {
		p.IssuedAt = s.issuedAt.Format(time.RFC3339)
	}
	data, err := json.Marshal(p)
	if err != nil {
		s.logger.Error("failed to marshal token", "error", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.logger.Error("failed to write token file", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Error("failed to replace token file", "error", err)
	}
}

// decodeClaims extracts the payload segment of a JWT without verifying the
// signature. The token is opaque to us except for exp and data.uid.
func decodeClaims(token string) (*claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 3 segments, got %d", len(parts))
	}
	payload := parts[1]
	if pad := len(payload) % 4; pad != 0 {
		payload += strings.Repeat("=", 4-pad)
	}
	raw, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return &c, nil
}

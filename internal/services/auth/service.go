package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/expensync/internal/events"
	"github.com/TheMichaelB/expensync/internal/models"
)

// Service keeps the signed-in session of this device.
type Service struct {
	logger *events.Logger

	mu          sync.Mutex
	session     *models.Session
	sessionFile string
	ttl         time.Duration
}

// NewService creates an auth service persisting to sessionFile. An empty
// path keeps the session in memory only.
func NewService(sessionFile string, logger *events.Logger) *Service {
	return &Service{
		sessionFile: sessionFile,
		logger:      logger.WithField("service", "auth"),
	}
}

// SetTTL makes new sessions expire after d. Zero disables expiry.
func (s *Service) SetTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = d
}

// Login starts a session. Without an explicit userID a stable one is derived
// from the email so every device of the same user writes the same documents.
func (s *Service) Login(ctx context.Context, email, userID string) (*models.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, &models.ValidationError{Field: "email", Reason: "is not a valid address"}
	}

	if userID == "" {
		userID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailto:"+email)).String()
	}

	now := time.Now().UTC()
	session := &models.Session{
		UserID:    userID,
		Email:     email,
		CreatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl > 0 {
		session.ExpiresAt = now.Add(s.ttl)
	}
	s.session = session

	if err := s.saveSession(); err != nil {
		return nil, err
	}

	s.logger.WithField("email", email).Info("Login successful")
	return session, nil
}

// Logout clears the session.
func (s *Service) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Logging out")
	s.session = nil

	if s.sessionFile != "" {
		if err := os.Remove(s.sessionFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove session: %w", err)
		}
	}
	return nil
}

// Current returns the active session or models.ErrNotAuthenticated.
func (s *Service) Current() (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		if err := s.loadSession(); err != nil {
			s.logger.WithError(err).Debug("No stored session")
		}
	}

	if s.session == nil || s.session.IsExpired() {
		return nil, models.ErrNotAuthenticated
	}
	return s.session, nil
}

// EnsureAuthenticated returns the user ID of the active session and attaches
// it to ctx.
func (s *Service) EnsureAuthenticated(ctx context.Context) (context.Context, string, error) {
	session, err := s.Current()
	if err != nil {
		return ctx, "", err
	}
	return events.WithUserID(ctx, session.UserID), session.UserID, nil
}

func (s *Service) saveSession() error {
	if s.sessionFile == "" || s.session == nil {
		return nil
	}

	data, err := json.MarshalIndent(s.session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	return os.WriteFile(s.sessionFile, data, 0600)
}

func (s *Service) loadSession() error {
	if s.sessionFile == "" {
		return fmt.Errorf("no session file configured")
	}

	data, err := os.ReadFile(s.sessionFile)
	if err != nil {
		return fmt.Errorf("read session file: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return fmt.Errorf("parse session: %w", err)
	}
	if session.UserID == "" {
		return fmt.Errorf("session file has no user")
	}

	s.session = &session
	return nil
}

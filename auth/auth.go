// Package auth implements account registration, password login and
// cookie sessions on top of the store package.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/codetesla51/epoll-http/store"
)

var (
	// ErrInvalidCredentials is returned for an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("auth: invalid username or password")

	// ErrInvalidInput is returned for empty or oversized usernames and passwords.
	ErrInvalidInput = errors.New("auth: username and password are required")

	// ErrNoSession is returned for a missing, expired or revoked token.
	ErrNoSession = errors.New("auth: no valid session")
)

const (
	DefaultSessionTTL = 30 * time.Minute

	maxNameLen = 64
	// bcrypt ignores bytes past 72
	maxPasswordLen = 72
)

// Backend is the persistence the Service needs.
type Backend interface {
	CreateUser(ctx context.Context, name string, passwordHash []byte) (*store.User, error)
	GetUser(ctx context.Context, name string) (*store.User, error)
	PutSession(ctx context.Context, token string, uid uint64, ttl time.Duration) error
	GetSession(ctx context.Context, token string) (uint64, error)
	DeleteSession(ctx context.Context, token string) error
}

// Service registers users and manages their sessions.
type Service struct {
	backend    Backend
	sessionTTL time.Duration
	cost       int
}

// Option configures a Service.
type Option func(*Service)

// WithSessionTTL sets how long an unused session stays valid.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) { s.sessionTTL = ttl }
}

// WithCost sets the bcrypt cost; tests use bcrypt.MinCost.
func WithCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

func New(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend:    backend,
		sessionTTL: DefaultSessionTTL,
		cost:       bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionTTL returns the configured session lifetime.
func (s *Service) SessionTTL() time.Duration { return s.sessionTTL }

func checkInput(name, password string) error {
	if strings.TrimSpace(name) == "" || password == "" {
		return ErrInvalidInput
	}
	if len(name) > maxNameLen || len(password) > maxPasswordLen {
		return ErrInvalidInput
	}
	return nil
}

// Register creates an account and returns its id.
func (s *Service) Register(ctx context.Context, name, password string) (uint64, error) {
	if err := checkInput(name, password); err != nil {
		return 0, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.backend.CreateUser(ctx, name, hash)
	if err != nil {
		return 0, err
	}
	return user.ID, nil
}

// Login verifies the password and opens a new session.
func (s *Service) Login(ctx context.Context, name, password string) (string, uint64, error) {
	if err := checkInput(name, password); err != nil {
		return "", 0, err
	}
	user, err := s.backend.GetUser(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return "", 0, ErrInvalidCredentials
	}
	if err != nil {
		return "", 0, err
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token := uuid.NewString()
	if err := s.backend.PutSession(ctx, token, user.ID, s.sessionTTL); err != nil {
		return "", 0, fmt.Errorf("create session: %w", err)
	}
	return token, user.ID, nil
}

// Authenticate resolves a session token to its user id and extends the
// session's lifetime.
func (s *Service) Authenticate(ctx context.Context, token string) (uint64, error) {
	if _, err := uuid.Parse(token); err != nil {
		return 0, ErrNoSession
	}
	uid, err := s.backend.GetSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrNoSession
	}
	if err != nil {
		return 0, err
	}
	if err := s.backend.PutSession(ctx, token, uid, s.sessionTTL); err != nil {
		return 0, fmt.Errorf("refresh session: %w", err)
	}
	return uid, nil
}

// Logout revokes token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.backend.DeleteSession(ctx, token)
}

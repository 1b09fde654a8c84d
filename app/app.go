// Package app holds the application routes served next to the static
// documents: account login and registration, cookie sessions, and per-user
// file upload, listing and deletion.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codetesla51/epoll-http/auth"
	"github.com/codetesla51/epoll-http/content"
	"github.com/codetesla51/epoll-http/logger"
	"github.com/codetesla51/epoll-http/server"
	"github.com/codetesla51/epoll-http/store"
)

const (
	sessionCookie = "session"

	welcomePage = "/welcome.html"
	errorPage   = "/error.html"
	indexPage   = "/index.html"

	defaultMaxUpload   = 8 << 20
	defaultCallTimeout = 10 * time.Second
)

// Accounts is the account and session service.
type Accounts interface {
	Register(ctx context.Context, name, password string) (uint64, error)
	Login(ctx context.Context, name, password string) (string, uint64, error)
	Authenticate(ctx context.Context, token string) (uint64, error)
	Logout(ctx context.Context, token string) error
	SessionTTL() time.Duration
}

// Files records uploaded files per user.
type Files interface {
	PutFile(ctx context.Context, rec store.FileRecord) error
	DeleteFile(ctx context.Context, uid uint64, name string) error
	ListFiles(ctx context.Context, uid uint64) ([]store.FileRecord, error)
}

// Handlers serves the application routes.
type Handlers struct {
	accounts  Accounts
	files     Files
	content   content.Store
	log       *logger.Logger
	maxUpload int64
	timeout   time.Duration
}

// Option configures Handlers.
type Option func(*Handlers)

// WithMaxUpload limits the size of one uploaded file.
func WithMaxUpload(n int64) Option {
	return func(h *Handlers) { h.maxUpload = n }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(h *Handlers) { h.log = l }
}

func New(accounts Accounts, files Files, contents content.Store, opts ...Option) *Handlers {
	h := &Handlers{
		accounts:  accounts,
		files:     files,
		content:   contents,
		log:       logger.Discard(),
		maxUpload: defaultMaxUpload,
		timeout:   defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register installs the application routes on r.
func (h *Handlers) Register(r *server.Router) {
	r.Register("POST", "/login", h.login)
	r.Register("POST", "/register", h.register)
	r.Register("POST", "/logout", h.logout)
	r.Register("POST", "/upload", h.upload)
	r.Register("DELETE", "/delete/:name", h.deleteFile)
	r.Register("GET", "/showlist", h.showList)
}

func (h *Handlers) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.timeout)
}

func (h *Handlers) login(req *server.Request) server.Reply {
	ctx, cancel := h.context()
	defer cancel()

	name := req.FormValue("username")
	token, uid, err := h.accounts.Login(ctx, name, req.FormValue("password"))
	if err != nil {
		h.log.Info("login failed for %q: %v", name, err)
		return server.File(errorPage)
	}

	h.log.Info("user %q (%d) logged in", name, uid)
	rep := server.File(welcomePage)
	rep.Headers = map[string]string{
		"Set-Cookie": fmt.Sprintf("%s=%s; Path=/; HttpOnly; Max-Age=%d",
			sessionCookie, token, int(h.accounts.SessionTTL().Seconds())),
	}
	return rep
}

func (h *Handlers) register(req *server.Request) server.Reply {
	ctx, cancel := h.context()
	defer cancel()

	name := req.FormValue("username")
	uid, err := h.accounts.Register(ctx, name, req.FormValue("password"))
	if err != nil {
		h.log.Info("register failed for %q: %v", name, err)
		return server.File(errorPage)
	}
	h.log.Info("user %q registered with id %d", name, uid)
	return server.File(welcomePage)
}

func (h *Handlers) logout(req *server.Request) server.Reply {
	ctx, cancel := h.context()
	defer cancel()

	if token := req.Cookie(sessionCookie); token != "" {
		if err := h.accounts.Logout(ctx, token); err != nil {
			h.log.Warn("logout: %v", err)
		}
	}
	rep := server.File(indexPage)
	rep.Headers = map[string]string{
		"Set-Cookie": sessionCookie + "=; Path=/; HttpOnly; Max-Age=0",
	}
	return rep
}

// authenticate resolves the caller from the session cookie.
func (h *Handlers) authenticate(ctx context.Context, req *server.Request) (uint64, bool) {
	token := req.Cookie(sessionCookie)
	if token == "" {
		return 0, false
	}
	uid, err := h.accounts.Authenticate(ctx, token)
	if err != nil {
		if !errors.Is(err, auth.ErrNoSession) {
			h.log.Error("authenticate: %v", err)
		}
		return 0, false
	}
	return uid, true
}

func errorReply(code int, msg string) server.Reply {
	return server.JSON(code, map[string]string{"error": msg})
}

func unauthorized() server.Reply {
	return errorReply(401, "login required")
}

package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/sudankdk/ctfcheck/internal/config"
	"github.com/sudankdk/ctfcheck/internal/model"
	"github.com/sudankdk/ctfcheck/internal/store"
)

const defaultValidateTimeout = 15 * time.Minute

// Validator runs one challenge validation.
type Validator interface {
	Validate(ctx context.Context, m *config.Manifest) (*model.Report, error)
}

type Server struct {
	exec    Validator
	store   store.Store
	log     *slog.Logger
	timeout time.Duration
	app     *fiber.App
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithValidateTimeout bounds a single POST /validate.
func WithValidateTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// NewServer wires the routes. st may be nil, in which case the run history
// endpoints answer 404.
func NewServer(exec Validator, st store.Store, opts ...Option) *Server {
	s := &Server{
		exec:    exec,
		store:   st,
		log:     slog.Default(),
		timeout: defaultValidateTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "ctfcheck",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.app.Use(recover.New())
	s.setupRoutes(s.app)
	return s
}

// App exposes the fiber app, mainly for app.Test in tests.
func (s *Server) App() *fiber.App { return s.app }

// StartServer listens on addr until Shutdown is called.
func (s *Server) StartServer(addr string) error {
	s.log.Info("http server listening", "addr", addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.log.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

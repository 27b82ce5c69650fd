// Package ops exposes the operational HTTP surface of the relay: health,
// outbox depth stats, and dead-letter inspection and replay.
package ops

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/harborline/lib-outbox/internal/nilcheck"
	liblog "github.com/harborline/lib-outbox/log"
	"github.com/harborline/lib-outbox/outbox"
	outboxPostgres "github.com/harborline/lib-outbox/outbox/postgres"
	"github.com/harborline/lib-outbox/telemetry"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

var ErrRepositoryRequired = errors.New("outbox repository is required")

// Response is the envelope for error payloads on the ops surface.
type Response struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

type Option func(*Handler)

func WithLogger(logger liblog.Logger) Option {
	return func(handler *Handler) {
		if nilcheck.Interface(logger) {
			return
		}

		handler.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(handler *Handler) {
		if nilcheck.Interface(tracer) {
			return
		}

		handler.tracer = tracer
	}
}

// Handler serves the ops endpoints on top of an outbox repository.
type Handler struct {
	repo   outbox.Repository
	logger liblog.Logger
	tracer trace.Tracer
}

// NewHandler creates the ops handler.
func NewHandler(repo outbox.Repository, opts ...Option) (*Handler, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	handler := &Handler{
		repo:   repo,
		logger: liblog.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("outbox.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(handler)
		}
	}

	return handler, nil
}

// NewApp builds a fiber application with the ops routes registered.
func NewApp(handler *Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	handler.RegisterRoutes(app)

	return app
}

// RegisterRoutes mounts the ops endpoints on the given router.
func (handler *Handler) RegisterRoutes(app *fiber.App) {
	app.Get("/health", handler.Health)
	app.Get("/v1/outbox/stats", handler.Stats)
	app.Get("/v1/outbox/dead-letters", handler.DeadLetters)
	app.Post("/v1/outbox/dead-letters/:id/requeue", handler.RequeueDeadLetter)
}

// Health returns HTTP 200 while the process is serving.
func (handler *Handler) Health(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"status":      "ok",
		"requestDate": time.Now().UTC(),
	})
}

// Stats returns the outbox depth per lifecycle state.
func (handler *Handler) Stats(c *fiber.Ctx) error {
	ctx, span := handler.tracer.Start(c.UserContext(), "ops.stats")
	defer span.End()

	counts, err := handler.repo.CountByStatus(ctx)
	if err != nil {
		return handler.internalError(c, span, "failed to count outbox entries", err)
	}

	return c.Status(http.StatusOK).JSON(outbox.StatsFromCounts(counts))
}

// DeadLetters lists dead-lettered entries, most recently updated first.
func (handler *Handler) DeadLetters(c *fiber.Ctx) error {
	ctx, span := handler.tracer.Start(c.UserContext(), "ops.dead_letters")
	defer span.End()

	limit := defaultDeadLetterLimit

	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return badRequest(c, "invalid_limit", "limit must be a positive integer")
		}

		limit = parsed
	}

	if limit > maxDeadLetterLimit {
		limit = maxDeadLetterLimit
	}

	entries, err := handler.repo.ListDeadLettered(ctx, limit)
	if err != nil {
		return handler.internalError(c, span, "failed to list dead-lettered entries", err)
	}

	if entries == nil {
		entries = []*outbox.Entry{}
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"items": entries,
		"limit": limit,
	})
}

// RequeueDeadLetter returns a dead-lettered entry to the pending queue with a
// fresh attempt budget.
func (handler *Handler) RequeueDeadLetter(c *fiber.Ctx) error {
	ctx, span := handler.tracer.Start(c.UserContext(), "ops.requeue_dead_letter")
	defer span.End()

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid_entry_id", "entry id must be a valid UUID")
	}

	if err := handler.repo.Requeue(ctx, id); err != nil {
		if errors.Is(err, outboxPostgres.ErrStateTransitionConflict) {
			return c.Status(http.StatusConflict).JSON(Response{
				Code:    "not_dead_lettered",
				Title:   "Conflict",
				Message: "entry does not exist or is not dead-lettered",
			})
		}

		return handler.internalError(c, span, "failed to requeue dead-lettered entry", err)
	}

	handler.logger.Log(ctx, liblog.LevelInfo, "dead-lettered entry requeued",
		liblog.String("entry_id", id.String()))

	return c.SendStatus(http.StatusNoContent)
}

func (handler *Handler) internalError(c *fiber.Ctx, span trace.Span, message string, err error) error {
	telemetry.HandleSpanError(span, message, err)
	handler.logger.Log(c.UserContext(), liblog.LevelError, message, liblog.Err(err))

	return c.Status(http.StatusInternalServerError).JSON(Response{
		Code:    "internal_error",
		Title:   "Internal Server Error",
		Message: message,
	})
}

func badRequest(c *fiber.Ctx, code, message string) error {
	return c.Status(http.StatusBadRequest).JSON(Response{
		Code:    code,
		Title:   "Bad Request",
		Message: message,
	})
}

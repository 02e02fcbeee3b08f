/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package trigger

import (
	"context"
	"errors"
	"time"

	"chainguard.dev/issuefix/attempt"
	"chainguard.dev/issuefix/resolver"
	"github.com/chainguard-dev/clog"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Attempts reads attempt state for the status endpoints.
type Attempts interface {
	Get(ctx context.Context, id string) (*attempt.Attempt, error)
	List(ctx context.Context, repositoryID string, issueNumber, limit int) ([]*attempt.Attempt, error)
}

// Server is the HTTP intake: it enqueues issue events and exposes attempt
// status. Event authenticity is established upstream.
type Server struct {
	app      *fiber.App
	queue    Queue
	attempts Attempts
}

// NewServer builds the routes. Request handlers log through the logger
// carried by ctx.
func NewServer(ctx context.Context, queue Queue, attempts Attempts) (*Server, error) {
	if queue == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if attempts == nil {
		return nil, errors.New("attempts cannot be nil")
	}

	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			BodyLimit:             1 << 20,
			ReadTimeout:           30 * time.Second,
		}),
		queue:    queue,
		attempts: attempts,
	}

	base := clog.FromContext(ctx)
	s.app.Use(recover.New(), func(c *fiber.Ctx) error {
		c.SetUserContext(clog.WithLogger(c.UserContext(), base.With("method", c.Method()).With("path", c.Path())))
		return c.Next()
	})

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := s.app.Group("/v1")
	v1.Post("/issue-events", s.postEvent)
	v1.Get("/attempts/:id", s.getAttempt)
	v1.Get("/repositories/:id/issues/:number/attempts", s.listAttempts)
	return s, nil
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops the server, waiting for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) postEvent(c *fiber.Ctx) error {
	ctx := c.UserContext()

	var ev resolver.Event
	if err := c.BodyParser(&ev); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if err := ev.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if ev.DeliveryID == "" {
		ev.DeliveryID = uuid.NewString()
	}

	if err := s.queue.Enqueue(ctx, ev); err != nil {
		clog.FromContext(ctx).With("error", err).Error("Failed to enqueue event")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "event could not be queued"})
	}
	clog.FromContext(ctx).With("delivery_id", ev.DeliveryID).
		With("repository_id", ev.RepositoryID).
		With("issue", ev.IssueNumber).
		Info("Queued issue event")
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"delivery_id": ev.DeliveryID})
}

func (s *Server) getAttempt(c *fiber.Ctx) error {
	a, err := s.attempts.Get(c.UserContext(), c.Params("id"))
	switch {
	case errors.Is(err, attempt.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "attempt not found"})
	case err != nil:
		return s.internal(c, err)
	}
	return c.JSON(a)
}

func (s *Server) listAttempts(c *fiber.Ctx) error {
	number, err := c.ParamsInt("number")
	if err != nil || number <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "issue number must be a positive integer"})
	}
	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	list, err := s.attempts.List(c.UserContext(), c.Params("id"), number, limit)
	if err != nil {
		return s.internal(c, err)
	}
	if list == nil {
		list = []*attempt.Attempt{}
	}
	return c.JSON(fiber.Map{"attempts": list})
}

func (s *Server) internal(c *fiber.Ctx, err error) error {
	clog.FromContext(c.UserContext()).With("error", err).Error("Request failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}

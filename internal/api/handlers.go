package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sudankdk/ctfcheck/internal/config"
	"github.com/sudankdk/ctfcheck/internal/model"
	"github.com/sudankdk/ctfcheck/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type ValidateRequest struct {
	// Manifest is a challenge.yml path, or the directory holding it.
	Manifest string `json:"manifest"`
}

type RunsResponse struct {
	Runs   []*model.Report `json:"runs"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func (s *Server) setupRoutes(app *fiber.App) {
	app.Post("/validate", s.validateHandler)
	app.Get("/runs", s.listRunsHandler)
	app.Get("/runs/:id", s.getRunHandler)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ctfcheck running") })
}

func (s *Server) validateHandler(c *fiber.Ctx) error {
	var req ValidateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if req.Manifest == "" {
		return fiber.NewError(fiber.StatusBadRequest, "manifest is required")
	}

	m, err := config.LoadManifest(req.Manifest)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), s.timeout)
	defer cancel()
	report, err := s.exec.Validate(ctx, m)
	if err != nil {
		if report == nil {
			return err
		}
		s.log.Error("validation incomplete", "run", report.ID, "error", err)
	}
	return c.JSON(report)
}

func (s *Server) listRunsHandler(c *fiber.Ctx) error {
	if s.store == nil {
		return fiber.NewError(fiber.StatusNotFound, "run history is disabled")
	}
	limit := c.QueryInt("limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListReports(c.UserContext(), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(RunsResponse{Runs: runs, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) getRunHandler(c *fiber.Ctx) error {
	if s.store == nil {
		return fiber.NewError(fiber.StatusNotFound, "run history is disabled")
	}
	report, err := s.store.GetReport(c.UserContext(), c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "run not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(report)
}

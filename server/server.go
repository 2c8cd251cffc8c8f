// Package server exposes flattening and unflattening over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/engine"
	"github.com/globaldothealth/fhirflat/pkg/logger"
)

// Server serves a Converter over HTTP.
type Server struct {
	conv *engine.Converter
	echo *echo.Echo
	log  *logger.Logger
}

// New creates a Server with its routes registered.
func New(conv *engine.Converter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{conv: conv, echo: e, log: logger.Default().With("component", "server")}

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomw.RequestLoggerValues) error {
			s.log.Zerolog().Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	}))

	s.RegisterRoutes(e)
	return s
}

// RegisterRoutes mounts the FHIRflat routes on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)

	g := e.Group("/fhir")
	g.POST("/:type/$flatten", s.handleFlatten)
	g.POST("/:type/$unflatten", s.handleUnflatten)
	g.POST("/:type/$validate", s.handleValidate)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.log.Info("listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": fhirflat.Version})
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.conv.Metrics().Snapshot())
}

func (s *Server) handleFlatten(c echo.Context) error {
	resourceType := c.Param("type")
	var record map[string]any
	if err := decodeBody(c, &record); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "body must be a FHIR resource"})
	}
	if _, ok := record["resourceType"]; !ok {
		record["resourceType"] = resourceType
	}

	r, err := s.conv.Resource(resourceType)
	if err != nil {
		return errorResponse(c, err)
	}
	row, err := r.ToFlat(record)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, row)
}

func (s *Server) handleUnflatten(c echo.Context) error {
	var row fhirflat.FlatRow
	if err := decodeBody(c, &row); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "body must be a FHIRflat row"})
	}

	record, err := s.conv.Unflatten(c.Param("type"), row)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, record)
}

func (s *Server) handleValidate(c echo.Context) error {
	var record map[string]any
	if err := decodeBody(c, &record); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "body must be a FHIR resource"})
	}
	if _, ok := record["resourceType"]; !ok {
		record["resourceType"] = c.Param("type")
	}

	result, err := s.conv.Validate(record)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, outcome(result.Issues))
}

// decodeBody reads a JSON object. Path parameters are not bound into it.
func decodeBody[T ~map[string]any](c echo.Context, dst *T) error {
	if err := json.NewDecoder(c.Request().Body).Decode(dst); err != nil {
		return err
	}
	if *dst == nil {
		return errors.New("empty body")
	}
	return nil
}

// outcome renders issues as an OperationOutcome.
func outcome(issues []fhirflat.Issue) map[string]any {
	if issues == nil {
		issues = []fhirflat.Issue{}
	}
	return map[string]any{"resourceType": "OperationOutcome", "issue": issues}
}

func errorResponse(c echo.Context, err error) error {
	var (
		verr     *fhirflat.ValidationError
		mismatch *fhirflat.SchemaMismatchError
	)
	switch {
	case errors.Is(err, fhirflat.ErrUnknownResource):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &verr):
		return c.JSON(http.StatusUnprocessableEntity, outcome(verr.Issues))
	case errors.As(err, &mismatch):
		return c.JSON(http.StatusUnprocessableEntity, outcome([]fhirflat.Issue{
			fhirflat.Error(fhirflat.IssueTypeStructure).Diagnostics(mismatch.Error()).At(mismatch.Path).Build(),
		}))
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

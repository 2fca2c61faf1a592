package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xmonitor/internal/analysis"
	"github.com/xmonitor/internal/registry"
	"github.com/xmonitor/pkg/models"
)

const defaultEventLimit = 100

// TargetRequest is the body of create and edit requests
type TargetRequest struct {
	Kind     string                   `json:"kind"`
	Value    string                   `json:"value"`
	Label    string                   `json:"label,omitempty"`
	Analysis *models.AnalysisSettings `json:"analysis,omitempty"`
	Activate *bool                    `json:"activate,omitempty"`
}

func (r TargetRequest) definition() (models.TargetDefinition, error) {
	kind, err := models.ParseTargetKind(r.Kind)
	if err != nil {
		return models.TargetDefinition{}, err
	}
	return models.TargetDefinition{Kind: kind, Value: r.Value, Label: r.Label, Analysis: r.Analysis}, nil
}

// TargetResponse is a target plus the error of the reconciliation pass the
// request triggered, if any
type TargetResponse struct {
	Target  models.Target `json:"target"`
	Warning string        `json:"warning,omitempty"`
}

// EventView is the JSON form of a feed event
type EventView struct {
	models.EventHeader
	Type       string             `json:"type"`
	Target     *models.TargetRef  `json:"target,omitempty"`
	Item       *models.StreamItem `json:"item,omitempty"`
	URL        string             `json:"url,omitempty"`
	Provider   string             `json:"provider,omitempty"`
	Model      string             `json:"model,omitempty"`
	Output     string             `json:"output,omitempty"`
	DurationMs int64              `json:"duration_ms,omitempty"`
	Kind       models.SystemKind  `json:"kind,omitempty"`
	Level      models.SystemLevel `json:"level,omitempty"`
	Message    string             `json:"message,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// NewEventView converts an event for the API
func NewEventView(ev models.FeedEvent) EventView {
	v := EventView{EventHeader: ev.Header(), Type: models.EventKind(ev)}
	switch e := ev.(type) {
	case *models.ItemEvent:
		target, item := e.Target, e.Item
		v.Target, v.Item, v.URL = &target, &item, item.URL()
	case *models.AnalysisEvent:
		target, item := e.Target, e.Item
		v.Target, v.Item, v.URL = &target, &item, item.URL()
		v.Provider, v.Model, v.Output = e.Provider, e.Model, e.Output
		v.DurationMs = e.Duration.Milliseconds()
		if e.Err != nil {
			v.Error = e.Err.Error()
		}
	case *models.SystemEvent:
		v.Kind, v.Level, v.Message = e.Kind, e.Level, e.Message
		if e.Err != nil {
			v.Error = e.Err.Error()
		}
	}
	return v
}

type connectionView struct {
	Phase   models.ConnectionPhase `json:"phase"`
	Attempt int                    `json:"attempt,omitempty"`
	Until   *time.Time             `json:"until,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
	Halted  bool                   `json:"halted"`
}

func errorJSON(c echo.Context, status int, err error) error {
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// statusFor maps operation errors to HTTP status codes
func statusFor(err error) int {
	var missing *analysis.MissingCredentialError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrEditing), errors.Is(err, registry.ErrNotEditing):
		return http.StatusConflict
	case errors.Is(err, models.ErrNoValidHandles),
		errors.Is(err, models.ErrEmptyTarget),
		errors.Is(err, analysis.ErrModelRequired),
		errors.Is(err, analysis.ErrCustomEndpointRequired),
		errors.Is(err, analysis.ErrCustomKeyRequired),
		errors.As(err, &missing):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// targetResult answers a mutation that may have kept the target despite a
// failed reconciliation pass
func targetResult(c echo.Context, okStatus int, target models.Target, err error) error {
	if err == nil {
		return c.JSON(okStatus, TargetResponse{Target: target})
	}
	if target.ID == "" {
		return errorJSON(c, statusFor(err), err)
	}
	return c.JSON(okStatus, TargetResponse{Target: target, Warning: err.Error()})
}

func (s *Server) listTargets(c echo.Context) error {
	targets := s.monitor.Snapshot()
	if targets == nil {
		targets = []models.Target{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"targets": targets})
}

func (s *Server) createTarget(c echo.Context) error {
	var req TargetRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	def, err := req.definition()
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	activate := req.Activate == nil || *req.Activate

	target, err := s.monitor.Add(c.Request().Context(), def, activate)
	return targetResult(c, http.StatusCreated, target, err)
}

func (s *Server) editTarget(c echo.Context) error {
	var req TargetRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	def, err := req.definition()
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}

	target, err := s.monitor.Edit(c.Request().Context(), c.Param("id"), def)
	return targetResult(c, http.StatusOK, target, err)
}

func (s *Server) deleteTarget(c echo.Context) error {
	if err := s.monitor.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) activateTarget(c echo.Context) error {
	target, err := s.monitor.Activate(c.Request().Context(), c.Param("id"))
	return targetResult(c, http.StatusOK, target, err)
}

func (s *Server) deactivateTarget(c echo.Context) error {
	target, err := s.monitor.Deactivate(c.Request().Context(), c.Param("id"))
	return targetResult(c, http.StatusOK, target, err)
}

func (s *Server) listEvents(c echo.Context) error {
	var since uint64
	if raw := c.QueryParam("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, errors.New("since must be a sequence number"))
		}
		since = v
	}
	limit := defaultEventLimit
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return errorJSON(c, http.StatusBadRequest, errors.New("limit must be a positive number"))
		}
		limit = v
	}

	events := s.history.Since(since, limit)
	views := make([]EventView, 0, len(events))
	for _, ev := range events {
		views = append(views, NewEventView(ev))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events":   views,
		"last_seq": s.history.LastSeq(),
	})
}

func (s *Server) connection(c echo.Context) error {
	state := s.monitor.ConnectionState()
	view := connectionView{
		Phase:   state.Phase,
		Attempt: state.Attempt,
		Reason:  state.Reason,
		Halted:  s.monitor.Halted(),
	}
	if !state.Until.IsZero() {
		until := state.Until
		view.Until = &until
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) reconnect(c echo.Context) error {
	if err := s.monitor.Reconnect(c.Request().Context()); err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

func (s *Server) terminateConnections(c echo.Context) error {
	summary, err := s.monitor.TerminateAll(c.Request().Context())
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	return c.JSON(http.StatusOK, map[string]string{"summary": summary})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmonitor/internal/metrics"
	"github.com/xmonitor/internal/registry"
	"github.com/xmonitor/pkg/models"
)

type fakeMonitor struct {
	mu         sync.Mutex
	targets    []models.Target
	addErr     error
	reconnects int
	state      models.ConnectionState
}

func (f *fakeMonitor) Snapshot() []models.Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Target(nil), f.targets...)
}

func (f *fakeMonitor) Add(ctx context.Context, def models.TargetDefinition, activate bool) (models.Target, error) {
	t, err := models.NewTarget(def)
	if err != nil {
		return models.Target{}, err
	}
	if activate && f.addErr == nil {
		t.Status = models.StatusInitiating
		t.RuleID = "r1"
	}
	f.mu.Lock()
	f.targets = append(f.targets, t)
	f.mu.Unlock()
	return t, f.addErr
}

func (f *fakeMonitor) find(id string) (int, error) {
	for i, t := range f.targets {
		if t.ID == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
}

func (f *fakeMonitor) Activate(ctx context.Context, id string) (models.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.find(id)
	if err != nil {
		return models.Target{}, err
	}
	f.targets[i].Status = models.StatusInitiating
	return f.targets[i], nil
}

func (f *fakeMonitor) Deactivate(ctx context.Context, id string) (models.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.find(id)
	if err != nil {
		return models.Target{}, err
	}
	f.targets[i].Status = models.StatusInactive
	f.targets[i].RuleID = ""
	return f.targets[i], nil
}

func (f *fakeMonitor) Edit(ctx context.Context, id string, def models.TargetDefinition) (models.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.find(id)
	if err != nil {
		return models.Target{}, err
	}
	if err := f.targets[i].Apply(def); err != nil {
		return models.Target{}, err
	}
	return f.targets[i], nil
}

func (f *fakeMonitor) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.find(id)
	if err != nil {
		return err
	}
	f.targets = append(f.targets[:i], f.targets[i+1:]...)
	return nil
}

func (f *fakeMonitor) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

func (f *fakeMonitor) TerminateAll(ctx context.Context) (string, error) {
	return "terminate-all complete (successful: 2, failed: 0)", nil
}

func (f *fakeMonitor) ConnectionState() models.ConnectionState { return f.state }
func (f *fakeMonitor) Halted() bool                            { return false }

type fakeHistory struct {
	events []models.FeedEvent
}

func (h *fakeHistory) Since(seq uint64, limit int) []models.FeedEvent {
	var out []models.FeedEvent
	for _, ev := range h.events {
		if ev.Header().Seq > seq {
			out = append(out, ev)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (h *fakeHistory) LastSeq() uint64 {
	if len(h.events) == 0 {
		return 0
	}
	return h.events[len(h.events)-1].Header().Seq
}

func newTestServer(monitor *fakeMonitor, history *fakeHistory) *Server {
	return NewServer(0, monitor, history, metrics.New().Handler(), zerolog.Nop())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(&fakeMonitor{}, &fakeHistory{})
	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestCreateAndListTargets(t *testing.T) {
	monitor := &fakeMonitor{}
	s := newTestServer(monitor, &fakeHistory{})

	rec := do(t, s, http.MethodPost, "/api/v1/targets", `{"kind":"account","value":"@alice, bob"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created TargetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "(from:alice OR from:bob)", created.Target.Expression)
	assert.Equal(t, models.StatusInitiating, created.Target.Status)
	assert.Empty(t, created.Warning)

	rec = do(t, s, http.MethodGet, "/api/v1/targets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Targets []models.Target `json:"targets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Targets, 1)
	assert.Equal(t, created.Target.ID, listed.Targets[0].ID)
}

func TestCreateTargetWithoutActivation(t *testing.T) {
	s := newTestServer(&fakeMonitor{}, &fakeHistory{})
	rec := do(t, s, http.MethodPost, "/api/v1/targets", `{"kind":"phrase","value":"golang","activate":false}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created TargetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, models.StatusInactive, created.Target.Status)
}

func TestCreateTargetValidation(t *testing.T) {
	s := newTestServer(&fakeMonitor{}, &fakeHistory{})

	rec := do(t, s, http.MethodPost, "/api/v1/targets", `{"kind":"hashtag","value":"golang"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/targets", `{"kind":"account","value":"@@@"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no valid account handles")
}

func TestCreateTargetReportsReconcileFailure(t *testing.T) {
	monitor := &fakeMonitor{addErr: errors.New("rule quota exceeded")}
	s := newTestServer(monitor, &fakeHistory{})

	rec := do(t, s, http.MethodPost, "/api/v1/targets", `{"kind":"phrase","value":"golang"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created TargetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, models.StatusInactive, created.Target.Status)
	assert.Equal(t, "rule quota exceeded", created.Warning)
}

func TestTargetLifecycleEndpoints(t *testing.T) {
	monitor := &fakeMonitor{}
	s := newTestServer(monitor, &fakeHistory{})
	target, err := monitor.Add(context.Background(), models.TargetDefinition{Kind: models.KindPhrase, Value: "golang"}, false)
	require.NoError(t, err)
	base := "/api/v1/targets/" + target.ID

	rec := do(t, s, http.MethodPost, base+"/activate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"initiating"`)

	rec = do(t, s, http.MethodPut, base, `{"kind":"phrase","value":"golang generics"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `\"golang generics\"`)

	rec = do(t, s, http.MethodPost, base+"/deactivate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"inactive"`)

	rec = do(t, s, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodPost, base+"/activate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEvents(t *testing.T) {
	item := models.StreamItem{ID: "42", AuthorHandle: "alice", Text: "hello", MatchedRuleIDs: []string{"r1"}}
	ref := models.TargetRef{ID: "t1", Label: "@alice"}
	history := &fakeHistory{events: []models.FeedEvent{
		&models.ItemEvent{EventHeader: models.EventHeader{ID: "a", Seq: 1, At: time.Now()}, Target: ref, Item: item},
		&models.AnalysisEvent{EventHeader: models.EventHeader{ID: "b", Seq: 2}, Target: ref, Item: item, Provider: "grok", Err: errors.New("missing credential")},
		&models.SystemEvent{EventHeader: models.EventHeader{ID: "c", Seq: 3}, Kind: models.SystemConnected, Level: models.LevelInfo, Message: "stream connected"},
	}}
	s := newTestServer(&fakeMonitor{}, history)

	rec := do(t, s, http.MethodGet, "/api/v1/events?since=1&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events  []EventView `json:"events"`
		LastSeq uint64      `json:"last_seq"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint64(3), body.LastSeq)
	require.Len(t, body.Events, 2)
	assert.Equal(t, "analysis_error", body.Events[0].Type)
	assert.Equal(t, "missing credential", body.Events[0].Error)
	assert.Equal(t, "https://x.com/alice/status/42", body.Events[0].URL)
	assert.Equal(t, models.SystemConnected, body.Events[1].Kind)

	rec = do(t, s, http.MethodGet, "/api/v1/events?since=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/v1/events?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectionAndReconnect(t *testing.T) {
	monitor := &fakeMonitor{state: models.ConnectionState{Phase: models.PhaseBackoff, Attempt: 2, Until: time.Now().Add(time.Minute), Reason: "429"}}
	s := newTestServer(monitor, &fakeHistory{})

	rec := do(t, s, http.MethodGet, "/api/v1/connection", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"phase":"backoff"`)
	assert.Contains(t, rec.Body.String(), `"attempt":2`)
	assert.Contains(t, rec.Body.String(), `"until"`)

	rec = do(t, s, http.MethodPost, "/api/v1/reconnect", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, monitor.reconnects)

	rec = do(t, s, http.MethodPost, "/api/v1/connections/terminate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "successful: 2")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&fakeMonitor{}, &fakeHistory{})
	rec := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "xmonitor_")
}

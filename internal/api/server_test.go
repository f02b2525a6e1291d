package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rxtech-lab/argo-harvester/internal/engine"
	"github.com/rxtech-lab/argo-harvester/internal/events"
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/internal/metrics"
	"github.com/rxtech-lab/argo-harvester/internal/reconcile"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"github.com/stretchr/testify/suite"
)

type fakeInstances struct {
	snapshots  map[string]engine.Snapshot
	reconciled []string
	reconcile  error
}

func (f *fakeInstances) Names() []string {
	return []string{"alpha", "beta"}
}

func (f *fakeInstances) Snapshot(_ context.Context, name string) (engine.Snapshot, error) {
	snapshot, ok := f.snapshots[name]
	if !ok {
		return engine.Snapshot{}, errors.Newf(errors.ErrCodeInstanceNotFound, "instance %q not found", name)
	}

	return snapshot, nil
}

func (f *fakeInstances) Reconcile(_ context.Context, name string) (reconcile.Report, error) {
	if _, ok := f.snapshots[name]; !ok {
		return reconcile.Report{}, errors.Newf(errors.ErrCodeInstanceNotFound, "instance %q not found", name)
	}

	f.reconciled = append(f.reconciled, name)
	if f.reconcile != nil {
		return reconcile.Report{}, f.reconcile
	}

	return reconcile.Report{Kept: []int{-2, -1}, Placed: []int{-4, -3}}, nil //nolint:exhaustruct
}

type ServerTestSuite struct {
	suite.Suite
	instances *fakeInstances
	collector *metrics.Collector
	server    *httptest.Server
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) SetupTest() {
	s.instances = &fakeInstances{
		snapshots: map[string]engine.Snapshot{
			"alpha": {
				Instance:     "alpha",
				Symbol:       "BTCUSDT",
				Phase:        types.PhaseFullLong,
				CurrentUnit:  0,
				Sells:        []int{-4, -3, -2, -1},
				Buys:         []int{},
				Bootstrapped: true,
			},
		},
		reconciled: nil,
		reconcile:  nil,
	}
	s.collector = metrics.NewCollector()
	s.server = httptest.NewServer(NewServer(s.instances, s.collector.Handler(), logger.NewNopLogger()).Handler())
}

func (s *ServerTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *ServerTestSuite) do(method, path string) (int, string) {
	req, err := http.NewRequestWithContext(context.Background(), method, s.server.URL+path, nil)
	s.Require().NoError(err)

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)

	return resp.StatusCode, string(body)
}

func (s *ServerTestSuite) TestHealth() {
	status, body := s.do(http.MethodGet, "/healthz")
	s.Equal(http.StatusOK, status)
	s.JSONEq(`{"status":"ok"}`, body)
}

func (s *ServerTestSuite) TestInstances() {
	status, body := s.do(http.MethodGet, "/instances")
	s.Require().Equal(http.StatusOK, status)

	var summaries []instanceSummary
	s.Require().NoError(json.Unmarshal([]byte(body), &summaries))
	s.Require().Len(summaries, 2)

	s.Equal("alpha", summaries[0].Name)
	s.Equal("FULL_LONG", summaries[0].Phase)
	s.Equal([]int{-4, -3, -2, -1}, summaries[0].Sells)
	s.Empty(summaries[0].Error)

	s.Equal("beta", summaries[1].Name)
	s.NotEmpty(summaries[1].Error)
}

func (s *ServerTestSuite) TestInstance() {
	status, body := s.do(http.MethodGet, "/instances/alpha")
	s.Require().Equal(http.StatusOK, status)

	var snapshot engine.Snapshot
	s.Require().NoError(json.Unmarshal([]byte(body), &snapshot))
	s.Equal("BTCUSDT", snapshot.Symbol)
	s.True(snapshot.Bootstrapped)

	status, body = s.do(http.MethodGet, "/instances/gamma")
	s.Equal(http.StatusNotFound, status)
	s.Contains(body, `"code":607`)
}

func (s *ServerTestSuite) TestReconcile() {
	status, body := s.do(http.MethodPost, "/instances/alpha/reconcile")
	s.Require().Equal(http.StatusOK, status)
	s.Equal([]string{"alpha"}, s.instances.reconciled)

	var report reconcile.Report
	s.Require().NoError(json.Unmarshal([]byte(body), &report))
	s.Equal([]int{-4, -3}, report.Placed)

	status, _ = s.do(http.MethodGet, "/instances/alpha/reconcile")
	s.Equal(http.StatusMethodNotAllowed, status)
}

func (s *ServerTestSuite) TestReconcileErrors() {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{
			name:   "not bootstrapped",
			err:    errors.New(errors.ErrCodeExchangeNotReady, "not open"),
			status: http.StatusConflict,
		},
		{
			name:   "engine stopped",
			err:    errors.New(errors.ErrCodeEngineStopped, "engine stopped"),
			status: http.StatusServiceUnavailable,
		},
		{
			name:   "venue failure",
			err:    errors.New(errors.ErrCodeReconciliationFailed, "venue down"),
			status: http.StatusInternalServerError,
		},
		{
			name:   "unrecoverable drift still reports",
			err:    errors.New(errors.ErrCodeUnrecoverableDrift, "short position"),
			status: http.StatusOK,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.instances.reconcile = tt.err

			status, _ := s.do(http.MethodPost, "/instances/alpha/reconcile")
			s.Equal(tt.status, status)
		})
	}
}

func (s *ServerTestSuite) TestMetrics() {
	s.collector.Sink("alpha").Emit(events.Event{Type: events.TypeSlide})

	status, body := s.do(http.MethodGet, "/metrics")
	s.Equal(http.StatusOK, status)
	s.True(strings.Contains(body, "harvester_events_total"))
}

func (s *ServerTestSuite) TestStartAndStop() {
	server := NewServer(s.instances, nil, logger.NewNopLogger())
	s.Require().NoError(server.Start("127.0.0.1:0"))
	s.NotEmpty(server.Addr())

	resp, err := http.Get("http://" + server.Addr() + "/healthz") //nolint:noctx
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	s.NoError(server.Stop(context.Background()))
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/tender-extractor/constants"
	"github.com/joseph-ayodele/tender-extractor/internal/common"
	"github.com/joseph-ayodele/tender-extractor/internal/entity"
)

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestRouter_Status(t *testing.T) {
	counts := entity.StatusCounts{
		constants.JobStatusQueued:     4,
		constants.JobStatusProcessing: 2,
		constants.JobStatusDone:       7,
	}
	h := NewRouter(RouterConfig{
		Counts: func(context.Context) (entity.StatusCounts, error) { return counts, nil },
		Logger: quiet(),
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 13 || resp.Counts["queued"] != 4 || resp.Counts["done"] != 7 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRouter_StatusError(t *testing.T) {
	h := NewRouter(RouterConfig{
		Counts: func(context.Context) (entity.StatusCounts, error) { return nil, errors.New("db down") },
		Logger: quiet(),
	})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("code = %d", w.Code)
	}
}

func TestRouter_Healthz(t *testing.T) {
	cases := []struct {
		name  string
		probe Prober
		want  int
	}{
		{"no probe", nil, http.StatusOK},
		{"healthy", func(context.Context) error { return nil }, http.StatusOK},
		{"unhealthy", func(context.Context) error { return errors.New("refused") }, http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := NewRouter(RouterConfig{Probe: c.probe, Logger: quiet()})
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if w.Code != c.want {
				t.Errorf("code = %d, want %d", w.Code, c.want)
			}
		})
	}
}

func TestRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "tender_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	h := NewRouter(RouterConfig{Gatherer: reg, Logger: quiet()})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tender_test_total 3") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHealthMonitor_TogglesWithProbe(t *testing.T) {
	var failing bool
	m := NewGRPCHealth(func(context.Context) error {
		if failing {
			return errors.New("refused")
		}
		return nil
	}, quiet())
	ctx := context.Background()

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := m.Server().Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatal(err)
		}
		return resp.GetStatus()
	}

	if status() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Error("monitor should start NOT_SERVING")
	}
	if !m.Check(ctx) || status() != healthpb.HealthCheckResponse_SERVING || !m.Serving() {
		t.Error("expected SERVING after a good probe")
	}
	failing = true
	if m.Check(ctx) || status() != healthpb.HealthCheckResponse_NOT_SERVING || m.Serving() {
		t.Error("expected NOT_SERVING after a failed probe")
	}
}

func TestErrorInterceptor_MapsCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"not found", common.NewAppError("NOT_FOUND", "job 7", common.ErrNotFound), codes.NotFound},
		{"ownership", &common.OwnershipError{JobID: 7, WorkerID: "w1"}, codes.FailedPrecondition},
		{"store", common.DatabaseError("claim", errors.New("conn refused")), codes.Unavailable},
		{"validation", common.NewAppError("VALIDATION_ERROR", "bad", common.ErrValidation), codes.InvalidArgument},
		{"passthrough", status.Error(codes.PermissionDenied, "no"), codes.PermissionDenied},
		{"unknown", errors.New("boom"), codes.Internal},
	}
	icpt := errorInterceptor(quiet())
	info := &grpc.UnaryServerInfo{FullMethod: "/tender.Queue/Test"}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := icpt(context.Background(), nil, info, func(context.Context, any) (any, error) {
				return nil, c.err
			})
			if got := status.Code(err); got != c.want {
				t.Errorf("code = %v, want %v", got, c.want)
			}
		})
	}

	resp, err := icpt(context.Background(), nil, info, func(context.Context, any) (any, error) { return "ok", nil })
	if err != nil || resp != "ok" {
		t.Errorf("success path = %v, %v", resp, err)
	}
}

func TestRouter_Jobs(t *testing.T) {
	var gotStatus constants.JobStatus
	var gotLimit int
	h := NewRouter(RouterConfig{
		Jobs: func(_ context.Context, st constants.JobStatus, limit int) ([]*entity.Job, error) {
			gotStatus, gotLimit = st, limit
			if !st.Valid() && st != "" {
				return nil, common.NewAppError("INVALID_STATUS", string(st), common.ErrInvalidInput)
			}
			return []*entity.Job{{ID: 1, Listing: entity.Listing{BidNumber: "GEM/2024/B/001"}, Status: st}}, nil
		},
		Logger: quiet(),
	})

	cases := []struct {
		url  string
		want int
	}{
		{"/jobs?status=failed&limit=5", http.StatusOK},
		{"/jobs", http.StatusOK},
		{"/jobs?status=bogus", http.StatusBadRequest},
		{"/jobs?limit=0", http.StatusBadRequest},
		{"/jobs?limit=abc", http.StatusBadRequest},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, c.url, nil))
		if w.Code != c.want {
			t.Errorf("%s: code = %d, want %d", c.url, w.Code, c.want)
		}
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs?status=failed&limit=5", nil))
	if gotStatus != constants.JobStatusFailed || gotLimit != 5 {
		t.Errorf("passed status=%q limit=%d", gotStatus, gotLimit)
	}
	var jobs []entity.Job
	if err := json.Unmarshal(w.Body.Bytes(), &jobs); err != nil || len(jobs) != 1 || jobs[0].BidNumber != "GEM/2024/B/001" {
		t.Errorf("body = %s (%v)", w.Body.String(), err)
	}
}

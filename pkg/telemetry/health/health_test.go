package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestChecker_CheckReadiness(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		want   string
	}{
		{"no checks", nil, "ready"},
		{"all healthy", map[string]CheckFunc{
			"store": StoreCheck(fakePinger{}, nil),
		}, "ready"},
		{"one unhealthy", map[string]CheckFunc{
			"store": StoreCheck(fakePinger{err: errors.New("down")}, nil),
			"other": func(context.Context) error { return nil },
		}, "degraded"},
		{"timeout", map[string]CheckFunc{
			"slow": func(ctx context.Context) error {
				<-ctx.Done()
				time.Sleep(10 * time.Millisecond)
				return nil
			},
		}, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(50 * time.Millisecond)
			for name, check := range tt.checks {
				c.RegisterCheck(name, check)
			}

			status := c.CheckReadiness(context.Background())
			if status.Status != tt.want {
				t.Errorf("Status = %q, want %q (checks %+v)", status.Status, tt.want, status.Checks)
			}
			if len(status.Checks) != len(tt.checks) {
				t.Errorf("len(Checks) = %d, want %d", len(status.Checks), len(tt.checks))
			}
		})
	}
}

func TestStoreCheck_Reports(t *testing.T) {
	var got []bool
	check := StoreCheck(fakePinger{err: errors.New("down")}, func(ok bool) { got = append(got, ok) })
	if err := check(context.Background()); err == nil {
		t.Fatal("check() = nil, want error")
	}
	check = StoreCheck(fakePinger{}, func(ok bool) { got = append(got, ok) })
	if err := check(context.Background()); err != nil {
		t.Fatalf("check() = %v", err)
	}
	if len(got) != 2 || got[0] || !got[1] {
		t.Errorf("reports = %v, want [false true]", got)
	}
}

func TestChecker_RegisterUnregister(t *testing.T) {
	c := New(0)
	c.RegisterCheck("b", func(context.Context) error { return nil })
	c.RegisterCheck("a", func(context.Context) error { return nil })

	if names := c.ListChecks(); len(names) != 2 || names[0] != "a" {
		t.Errorf("ListChecks() = %v, want [a b]", names)
	}
	c.UnregisterCheck("a")
	if names := c.ListChecks(); len(names) != 1 || names[0] != "b" {
		t.Errorf("ListChecks() = %v, want [b]", names)
	}
}

func TestReadinessHandler(t *testing.T) {
	c := New(time.Second)
	c.RegisterCheck("store", StoreCheck(fakePinger{err: errors.New("storage unavailable")}, nil))

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var body HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Checks["store"].Message != "storage unavailable" {
		t.Errorf("store message = %q", body.Checks["store"].Message)
	}
}

func TestLivenessHandler(t *testing.T) {
	c := New(time.Second)

	tests := []struct {
		method string
		want   int
	}{
		{http.MethodGet, http.StatusOK},
		{http.MethodHead, http.StatusOK},
		{http.MethodPost, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		c.LivenessHandler()(rec, httptest.NewRequest(tt.method, "/health/live", nil))
		if rec.Code != tt.want {
			t.Errorf("%s status = %d, want %d", tt.method, rec.Code, tt.want)
		}
	}
}

func TestVersionHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	VersionHandler("1.2.3", "abc", "2026-03-01")(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	var info VersionInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Version != "1.2.3" || info.Commit != "abc" || info.GoVersion == "" {
		t.Errorf("info = %+v", info)
	}
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/txn2/mcp-portainer/pkg/connstate"
)

const goroutineCount = 100

func probe(t *testing.T, h http.Handler) (int, Report) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var rep Report
	if err := json.NewDecoder(w.Body).Decode(&rep); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return w.Code, rep
}

func TestChecker_Lifecycle(t *testing.T) {
	hc := NewChecker()
	if hc.State() != StatusStarting || hc.IsReady() {
		t.Fatalf("new checker: state %q ready %v", hc.State(), hc.IsReady())
	}

	hc.SetReady()
	if hc.State() != StatusReady || !hc.IsReady() {
		t.Errorf("after SetReady: state %q ready %v", hc.State(), hc.IsReady())
	}

	hc.SetDraining()
	if hc.State() != StatusDraining || hc.IsReady() {
		t.Errorf("after SetDraining: state %q ready %v", hc.State(), hc.IsReady())
	}
}

func TestLivenessHandler(t *testing.T) {
	hc := NewChecker()
	hc.AddCheck("broken", func(context.Context) error { return errors.New("down") })

	for _, set := range []func(){func() {}, hc.SetReady, hc.SetDraining} {
		set()
		code, rep := probe(t, hc.LivenessHandler())
		if code != http.StatusOK || rep.Status != StatusOK {
			t.Errorf("state %s: liveness = %d %q, want 200 ok", hc.State(), code, rep.Status)
		}
	}
}

func TestReadinessHandler_Lifecycle(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*Checker)
		wantCode int
		want     string
	}{
		{"starting", func(*Checker) {}, http.StatusServiceUnavailable, StatusStarting},
		{"ready", func(c *Checker) { c.SetReady() }, http.StatusOK, StatusReady},
		{"draining", func(c *Checker) { c.SetReady(); c.SetDraining() }, http.StatusServiceUnavailable, StatusDraining},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewChecker()
			tt.setup(hc)
			code, rep := probe(t, hc.ReadinessHandler())
			if code != tt.wantCode || rep.Status != tt.want {
				t.Errorf("readiness = %d %q, want %d %q", code, rep.Status, tt.wantCode, tt.want)
			}
		})
	}
}

func TestReadinessHandler_ConnectedCheck(t *testing.T) {
	conn := connstate.New[struct{}]()
	hc := NewChecker()
	hc.AddCheck("portainer", ConnectedCheck(conn))
	hc.SetReady()

	code, rep := probe(t, hc.ReadinessHandler())
	if code != http.StatusServiceUnavailable || rep.Status != StatusDegraded {
		t.Errorf("disconnected: %d %q, want 503 degraded", code, rep.Status)
	}
	if !strings.Contains(rep.Checks["portainer"], "disconnected") {
		t.Errorf("portainer check = %q, want the state", rep.Checks["portainer"])
	}

	if err := conn.Transition(connstate.Connecting, struct{}{}, nil); err != nil {
		t.Fatal(err)
	}
	if err := conn.Transition(connstate.Error, struct{}{}, errors.New("401 unauthorized")); err != nil {
		t.Fatal(err)
	}
	_, rep = probe(t, hc.ReadinessHandler())
	if !strings.Contains(rep.Checks["portainer"], "401 unauthorized") {
		t.Errorf("portainer check = %q, want the last error", rep.Checks["portainer"])
	}

	if err := conn.Transition(connstate.Connecting, struct{}{}, nil); err != nil {
		t.Fatal(err)
	}
	if err := conn.Transition(connstate.Connected, struct{}{}, nil); err != nil {
		t.Fatal(err)
	}
	code, rep = probe(t, hc.ReadinessHandler())
	if code != http.StatusOK || rep.Checks["portainer"] != StatusOK {
		t.Errorf("connected: %d %v, want 200 with portainer ok", code, rep.Checks)
	}
}

func TestReport_CheckTimeout(t *testing.T) {
	hc := NewChecker(WithCheckTimeout(20 * time.Millisecond))
	hc.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	hc.AddCheck("fast", func(context.Context) error { return nil })
	hc.SetReady()

	start := time.Now()
	rep := hc.Report(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Report took %v, want the check timeout to bound it", elapsed)
	}
	if rep.Ready() {
		t.Error("Ready() = true with a timed out check")
	}
	if rep.Checks["fast"] != StatusOK {
		t.Errorf("fast = %q, want ok", rep.Checks["fast"])
	}
	if !strings.Contains(rep.Checks["slow"], "deadline") {
		t.Errorf("slow = %q, want a deadline error", rep.Checks["slow"])
	}
}

func TestReport_ChecksSkippedWhileStarting(t *testing.T) {
	hc := NewChecker()
	called := false
	hc.AddCheck("dep", func(context.Context) error { called = true; return nil })

	rep := hc.Report(context.Background())
	if rep.Status != StatusStarting || called {
		t.Errorf("report = %+v called = %v, want starting without running checks", rep, called)
	}
}

func TestConcurrentAccess(t *testing.T) {
	hc := NewChecker()
	hc.AddCheck("dep", func(context.Context) error { return nil })

	var wg sync.WaitGroup
	for i := range goroutineCount {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 3 {
			case 0:
				hc.SetReady()
			case 1:
				_ = hc.Report(context.Background())
			default:
				_ = hc.State()
			}
		}()
	}
	wg.Wait()

	if s := hc.State(); s != StatusStarting && s != StatusReady {
		t.Errorf("State() = %q after concurrent use", s)
	}
}

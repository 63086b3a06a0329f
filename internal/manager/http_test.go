package manager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func get(t *testing.T, h http.Handler, path string) (int, []byte) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.Bytes()
}

func TestRouter(t *testing.T) {
	_, nc := startTestServer(t, 14256)
	m := startManager(t, nc, "http")

	healthy := true
	h := Router(m, time.Second, map[string]HealthChecker{
		"comms": func(context.Context) error {
			if !healthy {
				return errors.New("down")
			}
			return nil
		},
	})

	if code, body := get(t, h, "/ready"); code != http.StatusServiceUnavailable {
		t.Errorf("manager:http_test - /ready before modules = %d %s", code, body)
	}
	for _, id := range []string{"rs_errors", "observer", "ignorer"} {
		m.moduleReady(id)
	}
	if code, body := get(t, h, "/ready"); code != http.StatusOK {
		t.Errorf("manager:http_test - /ready = %d %s", code, body)
	}

	code, body := get(t, h, "/modules/")
	if code != http.StatusOK {
		t.Fatalf("manager:http_test - /modules/ = %d", code)
	}
	var mods []ModuleStatus
	if err := json.Unmarshal(body, &mods); err != nil {
		t.Fatal(err)
	}
	if len(mods) != 3 || mods[0].ID != "ignorer" || !mods[0].Ready {
		t.Errorf("manager:http_test - modules = %+v", mods)
	}

	code, body = get(t, h, "/modules/rs_errors")
	if code != http.StatusOK {
		t.Fatalf("manager:http_test - /modules/rs_errors = %d", code)
	}
	var mod map[string]any
	if err := json.Unmarshal(body, &mod); err != nil {
		t.Fatal(err)
	}
	cfg, _ := mod["config_module"].(map[string]any)
	if mod["module"] != "RsErrors" || cfg["max_retries"] != float64(4) {
		t.Errorf("manager:http_test - module = %v", mod)
	}

	if code, _ := get(t, h, "/modules/ghost"); code != http.StatusNotFound {
		t.Errorf("manager:http_test - /modules/ghost = %d, want 404", code)
	}

	if code, _ := get(t, h, "/health"); code != http.StatusOK {
		t.Errorf("manager:http_test - /health = %d, want 200", code)
	}
	healthy = false
	code, body = get(t, h, "/health")
	var out HealthOutput
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if code != http.StatusServiceUnavailable || out.Status != "unhealthy" || out.Checks["comms"] {
		t.Errorf("manager:http_test - /health = %d %+v", code, out)
	}

	if code, _ := get(t, h, "/metrics"); code != http.StatusOK {
		t.Errorf("manager:http_test - /metrics = %d", code)
	}
}

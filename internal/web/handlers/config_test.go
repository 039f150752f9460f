package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/face-clusters/internal/facematch"
)

func TestNewConfigHandler(t *testing.T) {
	cfg := testConfig()
	engine, _ := newTestEngine(t)

	handler := NewConfigHandler(cfg, engine)

	if handler.config != cfg {
		t.Error("expected handler to hold reference to config")
	}
	if handler.engine != engine {
		t.Error("expected handler to hold reference to engine")
	}
}

func TestConfigHandler_Get(t *testing.T) {
	cfg := testConfig()
	cfg.Web.APIToken = "secret"
	engine, _ := newTestEngine(t)
	handler := NewConfigHandler(cfg, engine)

	recorder := httptest.NewRecorder()
	handler.Get(recorder, httptest.NewRequest("GET", "/api/v1/config", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	assertContentType(t, recorder, "application/json")

	var result ConfigResponse
	parseJSONResponse(t, recorder, &result)

	if result.StoreBackend != "sqlite" {
		t.Errorf("expected store backend 'sqlite', got '%s'", result.StoreBackend)
	}
	if !result.AuthRequired {
		t.Error("expected auth_required when a token is configured")
	}
	if len(result.Sources) != len(facematch.KnownSources) {
		t.Errorf("expected %d sources, got %d", len(facematch.KnownSources), len(result.Sources))
	}
	for _, src := range result.Sources {
		if src.Dimension <= 0 {
			t.Errorf("source %s has dimension %d", src.Name, src.Dimension)
		}
	}
	row, ok := result.Thresholds.Sources[facematch.SourceFaceNet512]
	if !ok || row.SafeSame != 0.62 {
		t.Errorf("unexpected facenet thresholds: %+v", row)
	}
	if result.UndoTTL == "" || result.SessionWindow == "" {
		t.Errorf("durations not rendered: %+v", result)
	}
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-clusters/internal/clustering"
	"github.com/kozaktomas/face-clusters/internal/config"
	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/database/mock"
	"github.com/kozaktomas/face-clusters/internal/facematch"
	"github.com/kozaktomas/face-clusters/internal/logger"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// testConfig creates a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Store: config.StoreConfig{Backend: "sqlite"},
	}
}

// newTestEngine creates a loaded engine on an in-memory store.
func newTestEngine(t *testing.T) (*clustering.Engine, *mock.MockStore) {
	t.Helper()
	store := mock.NewMockStore()
	engine, err := clustering.New(store, clustering.DefaultConfig(), clustering.WithLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(engine.Close)
	if err := engine.Load(context.Background()); err != nil {
		t.Fatalf("failed to load engine: %v", err)
	}
	return engine, store
}

// testFace returns an anchor-quality face whose embedding points along axis.
func testFace(id string, axis int) database.DetectedFace {
	embedding := make([]float32, facematch.SourceFaceNet512.Dimension())
	embedding[axis] = 1
	return database.DetectedFace{
		FaceID:         id,
		Embedding:      embedding,
		Source:         facematch.SourceFaceNet512,
		QualityScore:   80,
		Sharpness:      20,
		EyeVisibility:  8,
		PhotoURI:       "photos/" + id + ".jpg",
		PhotoTimestamp: testTime,
	}
}

// scanFaces runs a scan to completion and returns the created cluster ids.
func scanFaces(t *testing.T, engine *clustering.Engine, faces ...database.DetectedFace) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	scan, err := engine.StartScan(ctx, faces)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	result, err := scan.Wait(ctx)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	return result.Pass1.Created
}

// jsonRequest builds a request with a JSON body.
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}

package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kozaktomas/face-clusters/internal/clustering"
	"github.com/kozaktomas/face-clusters/internal/logger"
)

func TestRespondEngineError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"missing cluster", fmt.Errorf("%w: c1", clustering.ErrClusterNotFound), http.StatusNotFound, "cluster not found: c1"},
		{"missing face", fmt.Errorf("move face: %w", clustering.ErrFaceNotFound), http.StatusNotFound, "move face: face not found"},
		{"missing scan", clustering.ErrScanNotFound, http.StatusNotFound, "scan not found"},
		{"missing history entry", clustering.ErrHistoryNotFound, http.StatusNotFound, "history entry not found"},
		{"missing constraint", fmt.Errorf("%w: k1", clustering.ErrConstraintMissing), http.StatusNotFound, "constraint not found: k1"},
		{"cannot-link veto", fmt.Errorf("merge: %w", clustering.ErrCannotLink), http.StatusConflict, "merge: operation violates a cannot-link constraint"},
		{"scan running", clustering.ErrScanRunning, http.StatusConflict, "another scan is running"},
		{"invalid state", clustering.ErrInvalidState, http.StatusConflict, "invalid state for operation"},
		{"self constraint", fmt.Errorf("%w: a face cannot be constrained with itself", clustering.ErrInvalidConstraint), http.StatusBadRequest, "invalid constraint: a face cannot be constrained with itself"},
		{"not loaded", clustering.ErrNotLoaded, http.StatusServiceUnavailable, "engine state not loaded"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			respondEngineError(recorder, logger.Nop(), tc.err)

			assertStatusCode(t, recorder, tc.status)
			assertContentType(t, recorder, "application/json")
			assertJSONError(t, recorder, tc.message)
		})
	}
}

func TestRespondEngineError_InternalErrorIsLoggedNotEchoed(t *testing.T) {
	var logs bytes.Buffer
	log := logger.New(logger.WithWriter(&logs), logger.WithJSON(true))
	recorder := httptest.NewRecorder()

	respondEngineError(recorder, log, errors.New("apply change set: pq: connection refused\nfake entry"))

	assertStatusCode(t, recorder, http.StatusInternalServerError)
	assertJSONError(t, recorder, "internal error")
	if strings.Contains(recorder.Body.String(), "pq") {
		t.Errorf("response leaked the store error: %s", recorder.Body.String())
	}

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one log record, got %d: %q", len(lines), logs.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("failed to parse log record: %v", err)
	}
	if record["level"] != "ERROR" || record["error"] != "apply change set: pq: connection refusedfake entry" {
		t.Errorf("unexpected log record: %v", record)
	}
}

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"face f1", "face f1"},
		{"f1\nlevel=ERROR msg=forged", "f1level=ERROR msg=forged"},
		{"c1\r\n", "c1"},
	}
	for _, tc := range tests {
		if got := sanitizeForLog(tc.in); got != tc.want {
			t.Errorf("sanitizeForLog(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Run("merge request", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		var req MergeRequest
		ok := decodeJSON(recorder, jsonRequest(t, http.MethodPost, "/api/v1/clusters/merge", map[string]any{
			"cluster_ids": []string{"c1", "c2"},
		}), &req)

		if !ok {
			t.Fatalf("decodeJSON() = false, body %s", recorder.Body.String())
		}
		if len(req.ClusterIDs) != 2 || req.ClusterIDs[1] != "c2" {
			t.Errorf("ClusterIDs = %v, want [c1 c2]", req.ClusterIDs)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/constraints", strings.NewReader(`{"type": "must_link",`))
		var body AddConstraintRequest

		if decodeJSON(recorder, req, &body) {
			t.Fatal("decodeJSON() = true for a truncated body")
		}
		assertStatusCode(t, recorder, http.StatusBadRequest)
		assertJSONError(t, recorder, errInvalidRequestBody)
	})
}

func TestRespondJSON_EmptyListsEncodeAsArrays(t *testing.T) {
	recorder := httptest.NewRecorder()
	var suggestions []clustering.PoseBridge

	respondJSON(recorder, http.StatusOK, nonNil(suggestions))

	assertContentType(t, recorder, "application/json")
	if got := recorder.Body.String(); got != "[]\n" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestHealthCheck(t *testing.T) {
	recorder := httptest.NewRecorder()

	HealthCheck(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	assertContentType(t, recorder, "application/json")
	var result map[string]string
	parseJSONResponse(t, recorder, &result)
	if result["status"] != "ok" {
		t.Errorf("status = %q, want ok", result["status"])
	}
}

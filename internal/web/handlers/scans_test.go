package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/logger"
)

func TestScansHandler_StartJSON(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewScansHandler(engine, logger.Nop())

	req := jsonRequest(t, "POST", "/api/v1/scans", StartScanRequest{
		Faces: []database.DetectedFace{testFace("f1", 0), testFace("f2", 1)},
	})
	recorder := httptest.NewRecorder()
	handler.Start(recorder, req)

	assertStatusCode(t, recorder, http.StatusAccepted)
	var result StartScanResponse
	parseJSONResponse(t, recorder, &result)
	if result.ScanID == "" {
		t.Fatal("expected a scan id")
	}

	scan, ok := engine.Scan(result.ScanID)
	if !ok {
		t.Fatal("scan not held by the engine")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := scan.Wait(ctx)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(res.Pass1.Created) != 2 {
		t.Errorf("expected 2 clusters, got %d", len(res.Pass1.Created))
	}
}

func TestScansHandler_StartNDJSON(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewScansHandler(engine, logger.Nop())

	var body strings.Builder
	for i, id := range []string{"a", "b"} {
		line, err := json.Marshal(testFace(id, i))
		if err != nil {
			t.Fatal(err)
		}
		body.Write(line)
		body.WriteString("\n")
	}
	body.WriteString("{not json}\n")

	req := httptest.NewRequest("POST", "/api/v1/scans", strings.NewReader(body.String()))
	req.Header.Set("Content-Type", "application/x-ndjson")
	recorder := httptest.NewRecorder()
	handler.Start(recorder, req)

	assertStatusCode(t, recorder, http.StatusAccepted)
	var result StartScanResponse
	parseJSONResponse(t, recorder, &result)
	if len(result.Skipped) != 1 {
		t.Errorf("expected 1 skipped line, got %v", result.Skipped)
	}
	if result.Counts.TotalCount != 2 {
		t.Errorf("expected 2 faces in the scan, got %d", result.Counts.TotalCount)
	}

	scan, _ := engine.Scan(result.ScanID)
	<-scan.Done()
}

func TestScansHandler_StartErrors(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewScansHandler(engine, logger.Nop())

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"invalid json", "{", errInvalidRequestBody},
		{"no faces", `{"faces":[]}`, "no faces provided"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/scans", strings.NewReader(tc.body))
			recorder := httptest.NewRecorder()
			handler.Start(recorder, req)

			assertStatusCode(t, recorder, http.StatusBadRequest)
			assertJSONError(t, recorder, tc.message)
		})
	}
}

func TestScansHandler_GetAndList(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewScansHandler(engine, logger.Nop())
	scanFaces(t, engine, testFace("f1", 0))

	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest("GET", "/api/v1/scans", nil))
	assertStatusCode(t, recorder, http.StatusOK)
	var scans []database.ScanCheckpoint
	parseJSONResponse(t, recorder, &scans)
	if len(scans) != 1 || scans[0].Status != database.ScanCompleted {
		t.Fatalf("unexpected scans: %+v", scans)
	}

	req := requestWithChiParams(httptest.NewRequest("GET", "/api/v1/scans/"+scans[0].ScanID, nil),
		map[string]string{"scanId": scans[0].ScanID})
	recorder = httptest.NewRecorder()
	handler.Get(recorder, req)
	assertStatusCode(t, recorder, http.StatusOK)
	var detail ScanResponse
	parseJSONResponse(t, recorder, &detail)
	if detail.Result == nil || len(detail.Result.Pass1.Created) != 1 {
		t.Errorf("expected the scan result, got %+v", detail.Result)
	}

	req = requestWithChiParams(httptest.NewRequest("GET", "/api/v1/scans/missing", nil),
		map[string]string{"scanId": "missing"})
	recorder = httptest.NewRecorder()
	handler.Get(recorder, req)
	assertStatusCode(t, recorder, http.StatusNotFound)
}

func TestScansHandler_ControlFinishedScan(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewScansHandler(engine, logger.Nop())
	scanFaces(t, engine, testFace("f1", 0))
	scans, err := engine.Scans(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	scanID := scans[0].ScanID

	tests := []struct {
		name   string
		call   http.HandlerFunc
		status int
	}{
		{"pause", handler.Pause, http.StatusConflict},
		{"cancel", handler.Cancel, http.StatusConflict},
		{"resume", handler.Resume, http.StatusConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := requestWithChiParams(httptest.NewRequest("POST", "/", nil), map[string]string{"scanId": scanID})
			recorder := httptest.NewRecorder()
			tc.call(recorder, req)
			assertStatusCode(t, recorder, tc.status)
		})
	}
}

func TestScansHandler_EventsOfFinishedScan(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewScansHandler(engine, logger.Nop())
	scanFaces(t, engine, testFace("f1", 0))
	scans, err := engine.Scans(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	req := requestWithChiParams(httptest.NewRequest("GET", "/", nil), map[string]string{"scanId": scans[0].ScanID})
	recorder := httptest.NewRecorder()
	handler.Events(recorder, req) // returns after the initial event

	assertContentType(t, recorder, "text/event-stream")
	events := readSSE(t, recorder.Body.String())
	if len(events) != 1 || events[0].name != "status" {
		t.Fatalf("unexpected events: %+v", events)
	}
	var cp database.ScanCheckpoint
	if err := json.Unmarshal([]byte(events[0].data), &cp); err != nil {
		t.Fatal(err)
	}
	if cp.Status != database.ScanCompleted {
		t.Errorf("expected completed status, got %s", cp.Status)
	}
}

type sseEvent struct {
	name string
	data string
}

// readSSE splits a recorded event stream into events.
func readSSE(t *testing.T, stream string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(strings.NewReader(stream))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "" && current.name != "":
			events = append(events, current)
			current = sseEvent{}
		}
	}
	return events
}

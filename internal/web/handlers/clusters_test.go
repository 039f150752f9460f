package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/face-clusters/internal/clustering"
	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/logger"
)

func TestClustersHandler_ListAndGet(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewClustersHandler(engine, logger.Nop())
	created := scanFaces(t, engine, testFace("f1", 0), testFace("f2", 1))

	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest("GET", "/api/v1/clusters", nil))
	assertStatusCode(t, recorder, http.StatusOK)
	var clusters []clustering.ClusterSummary
	parseJSONResponse(t, recorder, &clusters)
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}

	req := requestWithChiParams(httptest.NewRequest("GET", "/", nil), map[string]string{"clusterId": created[0]})
	recorder = httptest.NewRecorder()
	handler.Get(recorder, req)
	assertStatusCode(t, recorder, http.StatusOK)
	var detail clustering.ClusterDetail
	parseJSONResponse(t, recorder, &detail)
	if detail.ClusterID != created[0] || len(detail.FaceIDs) != 1 || len(detail.Anchors) != 1 {
		t.Errorf("unexpected detail: %+v", detail)
	}

	req = requestWithChiParams(httptest.NewRequest("GET", "/", nil), map[string]string{"clusterId": "missing"})
	recorder = httptest.NewRecorder()
	handler.Get(recorder, req)
	assertStatusCode(t, recorder, http.StatusNotFound)
	assertJSONError(t, recorder, clustering.ErrClusterNotFound.Error())
}

func TestClustersHandler_RenameAndSearch(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewClustersHandler(engine, logger.Nop())
	created := scanFaces(t, engine, testFace("f1", 0), testFace("f2", 1))

	req := requestWithChiParams(jsonRequest(t, "PUT", "/", RenameRequest{Name: "Jiří Novák"}),
		map[string]string{"clusterId": created[1]})
	recorder := httptest.NewRecorder()
	handler.Rename(recorder, req)
	assertStatusCode(t, recorder, http.StatusOK)
	var result clustering.MutationResult
	parseJSONResponse(t, recorder, &result)
	if result.History == nil || result.History.Operation != database.OpRename {
		t.Errorf("expected a RENAME history entry, got %+v", result.History)
	}

	recorder = httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest("GET", "/api/v1/clusters?q=novak", nil))
	var found []clustering.ClusterSummary
	parseJSONResponse(t, recorder, &found)
	if len(found) != 1 || found[0].ClusterID != created[1] {
		t.Errorf("unexpected search result: %+v", found)
	}

	recorder = httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest("GET", "/api/v1/clusters?q=nobody", nil))
	if body := recorder.Body.String(); body != "[]\n" {
		t.Errorf("expected empty array, got %q", body)
	}
}

func TestClustersHandler_MergeSplitDelete(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewClustersHandler(engine, logger.Nop())
	created := scanFaces(t, engine, testFace("f1", 0), testFace("f2", 1))
	target, source := clusterOf(t, engine, "f1"), clusterOf(t, engine, "f2")
	if len(created) != 2 || target == source {
		t.Fatalf("expected two clusters, got %v", created)
	}

	recorder := httptest.NewRecorder()
	handler.Merge(recorder, jsonRequest(t, "POST", "/", MergeRequest{ClusterIDs: []string{target}}))
	assertStatusCode(t, recorder, http.StatusBadRequest)

	recorder = httptest.NewRecorder()
	handler.Merge(recorder, jsonRequest(t, "POST", "/", MergeRequest{ClusterIDs: []string{target, source}}))
	assertStatusCode(t, recorder, http.StatusOK)
	if got := clusterOf(t, engine, "f2"); got != target {
		t.Fatalf("f2 in %q after merge, want %q", got, target)
	}

	req := requestWithChiParams(jsonRequest(t, "POST", "/", SplitRequest{FaceIDs: []string{"f2"}}),
		map[string]string{"clusterId": target})
	recorder = httptest.NewRecorder()
	handler.Split(recorder, req)
	assertStatusCode(t, recorder, http.StatusCreated)
	var split clustering.MutationResult
	parseJSONResponse(t, recorder, &split)
	if got := clusterOf(t, engine, "f2"); got != split.ClusterID || got == target {
		t.Errorf("f2 in %q after split, want new cluster %q", got, split.ClusterID)
	}

	req = requestWithChiParams(httptest.NewRequest("DELETE", "/", nil), map[string]string{"clusterId": split.ClusterID})
	recorder = httptest.NewRecorder()
	handler.Delete(recorder, req)
	assertStatusCode(t, recorder, http.StatusOK)
	if got := clusterOf(t, engine, "f2"); got != "" {
		t.Errorf("f2 still in %q after delete", got)
	}
}

func TestClustersHandler_MoveFace(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewClustersHandler(engine, logger.Nop())
	scanFaces(t, engine, testFace("f1", 0), testFace("f2", 1), testFace("f3", 2))
	target := clusterOf(t, engine, "f1")

	tests := []struct {
		name   string
		faceID string
		body   MoveFaceRequest
		status int
	}{
		{"missing cluster id", "f2", MoveFaceRequest{}, http.StatusBadRequest},
		{"unknown face", "ghost", MoveFaceRequest{ClusterID: target}, http.StatusNotFound},
		{"unknown cluster", "f2", MoveFaceRequest{ClusterID: "missing"}, http.StatusNotFound},
		{"own cluster", "f1", MoveFaceRequest{ClusterID: target}, http.StatusConflict},
		{"move", "f2", MoveFaceRequest{ClusterID: target}, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := requestWithChiParams(jsonRequest(t, "POST", "/", tc.body), map[string]string{"faceId": tc.faceID})
			recorder := httptest.NewRecorder()
			handler.MoveFace(recorder, req)
			assertStatusCode(t, recorder, tc.status)
		})
	}
	if got := clusterOf(t, engine, "f2"); got != target {
		t.Errorf("f2 in %q, want %q", got, target)
	}
}

func TestClustersHandler_GetFace(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewClustersHandler(engine, logger.Nop())
	scanFaces(t, engine, testFace("f1", 0))

	req := requestWithChiParams(httptest.NewRequest("GET", "/", nil), map[string]string{"faceId": "f1"})
	recorder := httptest.NewRecorder()
	handler.GetFace(recorder, req)
	assertStatusCode(t, recorder, http.StatusOK)
	var face database.FaceRecord
	parseJSONResponse(t, recorder, &face)
	if face.FaceID != "f1" || face.ClusterID == "" {
		t.Errorf("unexpected face: %+v", face)
	}
}

func TestClustersHandler_StatisticsAndSuggestions(t *testing.T) {
	engine, _ := newTestEngine(t)
	handler := NewClustersHandler(engine, logger.Nop())
	scanFaces(t, engine, testFace("f1", 0))
	clusterID := clusterOf(t, engine, "f1")

	recorder := httptest.NewRecorder()
	handler.RefreshStatistics(recorder, httptest.NewRequest("POST", "/", nil))
	assertStatusCode(t, recorder, http.StatusOK)

	// A single anchor has no pairwise statistics.
	req := requestWithChiParams(httptest.NewRequest("GET", "/", nil), map[string]string{"clusterId": clusterID})
	recorder = httptest.NewRecorder()
	handler.Statistics(recorder, req)
	assertStatusCode(t, recorder, http.StatusNotFound)

	recorder = httptest.NewRecorder()
	handler.Suggestions(recorder, httptest.NewRequest("GET", "/", nil))
	assertStatusCode(t, recorder, http.StatusOK)
	var bridges []clustering.PoseBridge
	parseJSONResponse(t, recorder, &bridges)
	if len(bridges) != 0 {
		t.Errorf("expected no suggestions, got %+v", bridges)
	}
}

// clusterOf returns the cluster a face belongs to.
func clusterOf(t *testing.T, engine *clustering.Engine, faceID string) string {
	t.Helper()
	face, err := engine.Face(faceID)
	if err != nil {
		t.Fatalf("Face(%s) error = %v", faceID, err)
	}
	return face.ClusterID
}

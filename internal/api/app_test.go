package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/ingest"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/scheduler"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/storage"
)

const testToken = "test-token-12345"

// fakeAnalyzer is a test double for the scheduler.
type fakeAnalyzer struct {
	analyzeFn func(ctx context.Context, snapshotID string) (storage.Detection, error)
	runFn     func(ctx context.Context) (scheduler.PassResult, error)
	triggered int
	running   bool
}

func (f *fakeAnalyzer) AnalyzeSnapshot(ctx context.Context, id string) (storage.Detection, error) {
	return f.analyzeFn(ctx, id)
}

func (f *fakeAnalyzer) RunPass(ctx context.Context) (scheduler.PassResult, error) {
	return f.runFn(ctx)
}

func (f *fakeAnalyzer) Trigger()      { f.triggered++ }
func (f *fakeAnalyzer) Running() bool { return f.running }

func setupAppHandler(t *testing.T, analyzer *fakeAnalyzer) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if analyzer == nil {
		analyzer = &fakeAnalyzer{}
	}
	handler := NewAppHandler(AppDeps{
		Store:    store,
		Ingestor: ingest.New(store),
		Analyzer: analyzer,
		Backend:  "fake/model",
		Token:    testToken,
	})
	return handler, store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snap.jpg")
	if err := os.WriteFile(path, []byte("\xff\xd8\xff jpeg bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func seedSnapshot(t *testing.T, store *storage.Store) storage.Snapshot {
	t.Helper()
	snap, err := store.SaveSnapshot(context.Background(), storage.Snapshot{
		SourceID: "cam-7",
		FilePath: "/data/cam-7.jpg",
		Changed:  true,
	})
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	return snap
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", rr.Body.String(), err)
	}
	return body.Error.Type
}

func TestHealth_NoAuth(t *testing.T) {
	h, _ := setupAppHandler(t, &fakeAnalyzer{running: true})

	rr := serve(h, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]any
	json.Unmarshal(rr.Body.Bytes(), &body)
	if body["status"] != "ok" || body["backend"] != "fake/model" || body["analysis_running"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestAuth_Required(t *testing.T) {
	h, _ := setupAppHandler(t, nil)

	for _, tok := range []string{"", "wrong-token"} {
		rr := serve(h, authReq(http.MethodGet, "/stats", "", tok))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", tok, rr.Code)
		}
		if typ := errorType(t, rr); typ != "authentication_error" {
			t.Errorf("error type = %q", typ)
		}
	}
}

func TestIngest_EnqueuesChangedSnapshot(t *testing.T) {
	h, store := setupAppHandler(t, nil)
	path := writeImage(t)

	body := `{"source_id":"cam-1","file_path":"` + path + `","captured_at":"2026-03-01T12:00:00Z"}`
	rr := serve(h, authReq(http.MethodPost, "/snapshots", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var res ingest.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Enqueued || !res.Snapshot.Changed {
		t.Errorf("result = %+v, want changed and enqueued", res)
	}

	d, err := store.GetDetection(context.Background(), res.Snapshot.ID)
	if err != nil {
		t.Fatalf("GetDetection: %v", err)
	}
	if d.Status != storage.StatusQueued {
		t.Errorf("status = %s, want queued", d.Status)
	}

	// Same bytes again: recorded but not enqueued.
	rr = serve(h, authReq(http.MethodPost, "/snapshots", `{"source_id":"cam-1","file_path":"`+path+`"}`, testToken))
	json.Unmarshal(rr.Body.Bytes(), &res)
	if res.Enqueued || res.Snapshot.Changed {
		t.Errorf("unchanged snapshot result = %+v", res)
	}
}

func TestIngest_Validation(t *testing.T) {
	h, _ := setupAppHandler(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"missing source", `{"file_path":"/x.jpg"}`},
		{"bad time", `{"source_id":"c","file_path":"/x.jpg","captured_at":"yesterday"}`},
		{"missing file", `{"source_id":"c","file_path":"/definitely/not/here.jpg"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, authReq(http.MethodPost, "/snapshots", tt.body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestEnqueue(t *testing.T) {
	h, store := setupAppHandler(t, nil)
	snap := seedSnapshot(t, store)

	rr := serve(h, authReq(http.MethodPost, "/snapshots/"+snap.ID+"/enqueue", "", testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	if _, err := store.Claim(context.Background(), snap.ID); err != nil {
		t.Fatal(err)
	}
	rr = serve(h, authReq(http.MethodPost, "/snapshots/"+snap.ID+"/enqueue", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("processing record: status = %d, want 409", rr.Code)
	}

	rr = serve(h, authReq(http.MethodPost, "/snapshots/nope/enqueue", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown snapshot: status = %d, want 404", rr.Code)
	}
}

func TestAnalyze(t *testing.T) {
	analyzer := &fakeAnalyzer{
		analyzeFn: func(_ context.Context, id string) (storage.Detection, error) {
			switch id {
			case "busy":
				return storage.Detection{}, scheduler.ErrBusy
			case "missing":
				return storage.Detection{}, storage.ErrNotFound
			}
			return storage.Detection{SnapshotID: id, Status: storage.StatusCompleted, TotalBoxes: 3}, nil
		},
	}
	h, _ := setupAppHandler(t, analyzer)

	rr := serve(h, authReq(http.MethodPost, "/snapshots/s1/analyze", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var d storage.Detection
	json.Unmarshal(rr.Body.Bytes(), &d)
	if d.SnapshotID != "s1" || d.TotalBoxes != 3 {
		t.Errorf("detection = %+v", d)
	}

	if rr := serve(h, authReq(http.MethodPost, "/snapshots/busy/analyze", "", testToken)); rr.Code != http.StatusConflict {
		t.Errorf("busy: status = %d, want 409", rr.Code)
	}
	if rr := serve(h, authReq(http.MethodPost, "/snapshots/missing/analyze", "", testToken)); rr.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rr.Code)
	}
}

func TestRun(t *testing.T) {
	analyzer := &fakeAnalyzer{
		runFn: func(context.Context) (scheduler.PassResult, error) {
			return scheduler.PassResult{Processed: 4, Completed: 3, Failed: 1}, nil
		},
	}
	h, _ := setupAppHandler(t, analyzer)

	rr := serve(h, authReq(http.MethodPost, "/analysis/run", "", testToken))
	if rr.Code != http.StatusAccepted || analyzer.triggered != 1 {
		t.Errorf("trigger: status = %d, triggered = %d", rr.Code, analyzer.triggered)
	}

	rr = serve(h, authReq(http.MethodPost, "/analysis/run?wait=true", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("wait: status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var res scheduler.PassResult
	json.Unmarshal(rr.Body.Bytes(), &res)
	if res.Processed != 4 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}

	analyzer.runFn = func(context.Context) (scheduler.PassResult, error) {
		return scheduler.PassResult{}, scheduler.ErrPassInProgress
	}
	if rr := serve(h, authReq(http.MethodPost, "/analysis/run?wait=1", "", testToken)); rr.Code != http.StatusConflict {
		t.Errorf("in progress: status = %d, want 409", rr.Code)
	}
}

func TestDetections_GetListReset(t *testing.T) {
	h, store := setupAppHandler(t, nil)
	ctx := context.Background()
	snap := seedSnapshot(t, store)
	if _, err := store.Enqueue(ctx, storage.EnqueueRequest{SnapshotID: snap.ID}); err != nil {
		t.Fatal(err)
	}
	d, err := store.Claim(ctx, snap.ID)
	if err != nil {
		t.Fatal(err)
	}

	// Reset is refused while processing.
	if rr := serve(h, authReq(http.MethodPost, "/detections/"+snap.ID+"/reset", "", testToken)); rr.Code != http.StatusConflict {
		t.Errorf("reset processing: status = %d, want 409", rr.Code)
	}

	boxes := []storage.BoundingBox{
		{Category: "cars", XMin: 100, YMin: 100, XMax: 300, YMax: 300, Confidence: 0.9, IsValid: true},
	}
	sum := storage.Summary{TotalBoxes: 1, Counts: storage.CategoryCounts{Cars: 1}, ConfidenceScore: 0.9}
	if err := store.CompleteDetection(ctx, d.ID, sum, boxes); err != nil {
		t.Fatal(err)
	}

	rr := serve(h, authReq(http.MethodGet, "/detections/"+snap.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("get: status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var got detectionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusCompleted || got.Counts.Cars != 1 || len(got.Boxes) != 1 {
		t.Errorf("detection = %+v", got)
	}

	rr = serve(h, authReq(http.MethodGet, "/detections?status=completed", "", testToken))
	var list []storage.Detection
	json.Unmarshal(rr.Body.Bytes(), &list)
	if rr.Code != http.StatusOK || len(list) != 1 {
		t.Errorf("list: status = %d, len = %d", rr.Code, len(list))
	}
	if rr := serve(h, authReq(http.MethodGet, "/detections?status=bogus", "", testToken)); rr.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: status = %d, want 400", rr.Code)
	}

	rr = serve(h, authReq(http.MethodPost, "/detections/"+snap.ID+"/reset", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("reset: status = %d, body = %s", rr.Code, rr.Body.String())
	}
	json.Unmarshal(rr.Body.Bytes(), &d)
	if d.Status != storage.StatusQueued {
		t.Errorf("after reset status = %s, want queued", d.Status)
	}

	if rr := serve(h, authReq(http.MethodGet, "/detections/unknown", "", testToken)); rr.Code != http.StatusNotFound {
		t.Errorf("unknown detection: status = %d, want 404", rr.Code)
	}
}

func TestStats(t *testing.T) {
	h, store := setupAppHandler(t, nil)
	snap := seedSnapshot(t, store)
	if _, err := store.Enqueue(context.Background(), storage.EnqueueRequest{SnapshotID: snap.ID}); err != nil {
		t.Fatal(err)
	}

	rr := serve(h, authReq(http.MethodGet, "/stats?source_id=cam-7", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var st storage.Stats
	json.Unmarshal(rr.Body.Bytes(), &st)
	if st.Total != 1 || st.Queued != 1 {
		t.Errorf("stats = %+v", st)
	}

	if rr := serve(h, authReq(http.MethodGet, "/stats?from=last-week", "", testToken)); rr.Code != http.StatusBadRequest {
		t.Errorf("bad from: status = %d, want 400", rr.Code)
	}
}

func TestPurge(t *testing.T) {
	h, store := setupAppHandler(t, nil)
	seedSnapshot(t, store)

	if rr := serve(h, authReq(http.MethodDelete, "/snapshots", "", testToken)); rr.Code != http.StatusBadRequest {
		t.Errorf("missing before: status = %d, want 400", rr.Code)
	}

	rr := serve(h, authReq(http.MethodDelete, "/snapshots?before=2999-01-01T00:00:00Z", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var body map[string]int
	json.Unmarshal(rr.Body.Bytes(), &body)
	if body["deleted"] != 1 {
		t.Errorf("deleted = %d, want 1", body["deleted"])
	}
}

func TestWebsocketTokenQuery(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	events := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := NewAppHandler(AppDeps{Store: store, Analyzer: &fakeAnalyzer{}, Events: events, Token: testToken})

	if rr := serve(h, authReq(http.MethodGet, wsPath+"?token="+testToken, "", "")); rr.Code != http.StatusTeapot {
		t.Errorf("query token: status = %d, want handler reached", rr.Code)
	}
	if rr := serve(h, authReq(http.MethodGet, wsPath, "", "")); rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rr.Code)
	}
	if rr := serve(h, authReq(http.MethodGet, "/stats?token="+testToken, "", "")); rr.Code != http.StatusUnauthorized {
		t.Errorf("query token outside websocket route: status = %d, want 401", rr.Code)
	}
}

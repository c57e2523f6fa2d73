package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
)

func startRuns(t *testing.T, srv *Server, n int) []*model.Run {
	t.Helper()
	runs := make([]*model.Run, n)
	for i := range runs {
		run, _, err := srv.engine.Start(context.Background(), engine.StartRequest{
			Processor: "echo",
			Params:    model.Params{"i": i},
		})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		runs[i] = run
	}
	return runs
}

func TestListRunsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var list listRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Runs == nil || len(list.Runs) != 0 {
		t.Errorf("runs = %v, want empty array", list.Runs)
	}
	if list.Total != 0 || list.Limit != defaultListLimit {
		t.Errorf("total = %d, limit = %d", list.Total, list.Limit)
	}
}

func TestListRunsPagination(t *testing.T) {
	srv := newTestServer(t)
	startRuns(t, srv, 5)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs?limit=2&offset=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var list listRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Runs) != 2 {
		t.Errorf("got %d runs, want 2", len(list.Runs))
	}
	if list.Total != 5 {
		t.Errorf("total = %d, want 5", list.Total)
	}
	if list.Limit != 2 || list.Offset != 1 {
		t.Errorf("limit = %d, offset = %d", list.Limit, list.Offset)
	}
}

func TestListRunsInvalidLimit(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs?limit=1000&offset=-3")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var list listRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Limit != defaultListLimit || list.Offset != 0 {
		t.Errorf("limit = %d, offset = %d", list.Limit, list.Offset)
	}
}

func TestGetRunExisting(t *testing.T) {
	srv := newTestServer(t)
	runs := startRuns(t, srv, 1)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/" + runs[0].ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got model.Run
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != runs[0].ID || got.JobID != runs[0].JobID {
		t.Errorf("run = %+v", got)
	}
	if got.Status != model.StateCompleted || got.Processor != "echo" {
		t.Errorf("status = %q, processor = %q", got.Status, got.Processor)
	}
	if string(got.Envelope) != `{"data":{"i":0}}` {
		t.Errorf("envelope = %s", got.Envelope)
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/v1/runs/nonexistent", "/v1/runs/nonexistent/logs", "/v1/runs/nonexistent/events"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestGetRunLogs(t *testing.T) {
	srv := newTestServer(t)
	runs := startRuns(t, srv, 1)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/" + runs[0].ID + "/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var logs runLogsResponse
	if err := json.NewDecoder(resp.Body).Decode(&logs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if logs.RunID != runs[0].ID {
		t.Errorf("run_id = %q", logs.RunID)
	}
	if len(logs.Lines) != 1 || logs.Lines[0].Line != "working on echo" || logs.Lines[0].Seq != 0 {
		t.Errorf("lines = %+v", logs.Lines)
	}
}

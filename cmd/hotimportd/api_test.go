package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"hotimportd/internal/config"
	"hotimportd/internal/job"
	"hotimportd/internal/perf"
	"hotimportd/internal/probe"
	"hotimportd/internal/region"
	"hotimportd/internal/stage"
)

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.InterBatchDelayMs = 1
	cfg.CooldownMs = 1
	mgr := job.NewManager(job.Deps{
		Config:  cfg,
		DataDir: t.TempDir(),
		Prober:  probe.NewStatic(),
		TPS:     perf.NewStaticSource(20.0),
		Log:     log.New(io.Discard, "", 0),
	})
	mux := http.NewServeMux()
	a := &api{mgr: mgr, log: log.New(io.Discard, "", 0)}
	a.register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func stageTestSnapshot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	reg := region.NewRegion(region.Coord{X: 0, Z: 0})
	reg.Chunks[region.ChunkCoord{X: 0, Z: 0}] = []byte("payload")
	dir := filepath.Join(root, "overworld")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(filepath.Join(dir, reg.Coord.FileName()))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Write(f); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()
	if err := stage.WriteManifest(root, ""); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	return root
}

func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func TestAPI_CreateAndGet(t *testing.T) {
	srv := newTestAPI(t)
	snap := stageTestSnapshot(t)

	resp, body := postJSON(t, srv.URL+"/v1/jobs", map[string]any{
		"server_id":       "smp-eu-1",
		"snapshot_path":   snap,
		"dest_world_path": t.TempDir(),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, body)
	}
	var created job.Job
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Status != job.StatusPending || created.RegionsTotal != 1 {
		t.Fatalf("created = %+v", created)
	}

	getResp, err := http.Get(srv.URL + "/v1/jobs/" + created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getResp.StatusCode)
	}

	listResp, err := http.Get(srv.URL + "/v1/jobs?server_id=smp-eu-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer listResp.Body.Close()
	var listed []job.Job
	if err := json.NewDecoder(listResp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Fatalf("listed = %+v", listed)
	}
}

func TestAPI_CreateErrors(t *testing.T) {
	srv := newTestAPI(t)
	snap := stageTestSnapshot(t)

	resp, body := postJSON(t, srv.URL+"/v1/jobs", map[string]any{
		"server_id":       "smp-eu-1",
		"snapshot_path":   t.TempDir(), // no manifest
		"dest_world_path": t.TempDir(),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid snapshot status = %d: %s", resp.StatusCode, body)
	}
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if er.Error.Code != "E_INVALID_SNAPSHOT" {
		t.Fatalf("code = %s", er.Error.Code)
	}

	// Second job for the same server conflicts.
	dest := t.TempDir()
	if resp, body = postJSON(t, srv.URL+"/v1/jobs", map[string]any{
		"server_id": "smp-eu-1", "snapshot_path": snap, "dest_world_path": dest,
	}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, body)
	}
	resp, body = postJSON(t, srv.URL+"/v1/jobs", map[string]any{
		"server_id": "smp-eu-1", "snapshot_path": snap, "dest_world_path": dest,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflict status = %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &er); err != nil || er.Error.Code != "E_CONFLICT" {
		t.Fatalf("conflict body = %s", body)
	}
}

func TestAPI_ControlVerbs(t *testing.T) {
	srv := newTestAPI(t)
	snap := stageTestSnapshot(t)

	_, body := postJSON(t, srv.URL+"/v1/jobs", map[string]any{
		"server_id": "smp-eu-1", "snapshot_path": snap, "dest_world_path": t.TempDir(),
	})
	var created job.Job
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	// Pausing a pending job is an invalid transition.
	resp, body := postJSON(t, srv.URL+"/v1/jobs/"+created.ID+"/pause", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("pause status = %d: %s", resp.StatusCode, body)
	}

	resp, body = postJSON(t, srv.URL+"/v1/jobs/"+created.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", resp.StatusCode, body)
	}
	var cancelled job.Job
	if err := json.Unmarshal(body, &cancelled); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cancelled.Status != job.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}

	// Unknown verb.
	resp, body = postJSON(t, srv.URL+"/v1/jobs/"+created.ID+"/reboot", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown verb status = %d: %s", resp.StatusCode, body)
	}

	// Delete the terminal job.
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/jobs/"+created.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	_ = delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", delResp.StatusCode)
	}

	getResp, err := http.Get(srv.URL + "/v1/jobs/" + created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d", getResp.StatusCode)
	}
}

func TestAPI_UnknownJob(t *testing.T) {
	srv := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/v1/jobs/no-such-job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

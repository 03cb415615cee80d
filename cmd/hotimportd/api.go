package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"hotimportd/internal/job"
	"hotimportd/internal/protocol"
)

// api exposes the management surface: job CRUD and control verbs. Progress
// events go out over the WebSocket hub instead.
type api struct {
	mgr *job.Manager
	log *log.Logger
}

type createJobRequest struct {
	ServerID      string `json:"server_id"`
	SnapshotPath  string `json:"snapshot_path"`
	DestWorldPath string `json:"dest_world_path"`
	Force         bool   `json:"force,omitempty"`
}

type errorResponse struct {
	Error protocol.StructuredError `json:"error"`
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/jobs", a.handleJobs)
	mux.HandleFunc("/v1/jobs/", a.handleJob)
}

// handleJobs serves POST /v1/jobs (create) and GET /v1/jobs?server_id=...
func (a *api) handleJobs(rw http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(rw, protocol.NewError(protocol.ErrBadRequest, "invalid JSON body"))
			return
		}
		j, err := a.mgr.Create(job.CreateOptions{
			ServerID:      req.ServerID,
			SnapshotPath:  req.SnapshotPath,
			DestWorldPath: req.DestWorldPath,
			Force:         req.Force,
		})
		if err != nil {
			writeErrAny(rw, err)
			return
		}
		writeJSON(rw, http.StatusCreated, j)

	case http.MethodGet:
		writeJSON(rw, http.StatusOK, a.mgr.List(r.URL.Query().Get("server_id")))

	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleJob serves /v1/jobs/{id} and /v1/jobs/{id}/{verb}.
func (a *api) handleJob(rw http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	id, verb, _ := strings.Cut(rest, "/")
	if id == "" {
		writeErr(rw, protocol.NewError(protocol.ErrNotFound, "missing job id"))
		return
	}

	switch {
	case verb == "" && r.Method == http.MethodGet:
		j, err := a.mgr.Status(id)
		if err != nil {
			writeErrAny(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, j)

	case verb == "" && r.Method == http.MethodDelete:
		if err := a.mgr.Delete(id); err != nil {
			writeErrAny(rw, err)
			return
		}
		rw.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost:
		var j job.Job
		var err error
		switch verb {
		case "start":
			j, err = a.mgr.Start(id)
		case "pause":
			j, err = a.mgr.Pause(id)
		case "resume":
			j, err = a.mgr.Resume(id)
		case "cancel":
			j, err = a.mgr.Cancel(id)
		default:
			writeErr(rw, protocol.NewError(protocol.ErrBadRequest, "unknown action "+verb))
			return
		}
		if err != nil {
			writeErrAny(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, j)

	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeErr(rw http.ResponseWriter, serr *protocol.StructuredError) {
	writeJSON(rw, statusForCode(serr.Code), errorResponse{Error: *serr})
}

func writeErrAny(rw http.ResponseWriter, err error) {
	var serr *protocol.StructuredError
	if errors.As(err, &serr) {
		writeErr(rw, serr)
		return
	}
	writeErr(rw, protocol.NewError(protocol.ErrInternal, err.Error()))
}

func statusForCode(code string) int {
	switch code {
	case protocol.ErrConflict, protocol.ErrInvalidTransition:
		return http.StatusConflict
	case protocol.ErrInvalidSnapshot, protocol.ErrBadRequest:
		return http.StatusBadRequest
	case protocol.ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

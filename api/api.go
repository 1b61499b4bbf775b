// Package api exposes the reportd HTTP API: enqueueing report jobs,
// the status endpoint pollers consume, cached job detail, cancellation
// and artifact download.
package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/learnhub/reportd/job"
	"github.com/learnhub/reportd/processor/filestorage"
	"github.com/learnhub/reportd/storage"
)

// jobIDLength is the number of random bytes in generated job IDs.
const jobIDLength = 8

type API struct {
	Server  *http.Server
	Storage *storage.Storage

	// Artifacts, when set, backs the download endpoint.
	Artifacts filestorage.FileStorage

	// HeartbeatPath responds 200 OK for load balancer checks.
	HeartbeatPath string

	Log *log.Logger

	idgen *rng
}

func New(s *storage.Storage, host string, port int, logger *log.Logger) *API {
	as := &API{
		Storage: s,
		Log:     logger,
		idgen:   newRNG(jobIDLength, rand.NewSource(time.Now().UnixNano()), base64.RawURLEncoding),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/reports", as.createReport)
	mux.HandleFunc("/reports/", as.reportRoutes)
	mux.HandleFunc("/", as.index)
	as.Server = &http.Server{Handler: mux, Addr: host + ":" + strconv.Itoa(port)}
	return as
}

// createReport enqueues a new report job.
func (as *API) createReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	j := new(job.Job)
	if err := json.NewDecoder(r.Body).Decode(j); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	j.ID = as.idgen.rand()
	j.State = job.StatePending

	if err := as.Storage.QueuePendingReport(j, 0); err != nil {
		http.Error(w, "Error queuing report: "+err.Error(),
			http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": j.ID})
}

// reportRoutes dispatches /reports/{id}[/status|/download] requests.
func (as *API) reportRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/reports/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		as.reportDetail(w, r, id)
	case sub == "" && r.Method == http.MethodDelete:
		as.cancelReport(w, r, id)
	case sub == "status" && r.Method == http.MethodGet:
		as.reportStatus(w, r, id)
	case sub == "download" && r.Method == http.MethodGet:
		as.downloadReport(w, r, id)
	default:
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
	}
}

// reportStatus serves the poll snapshot of a job: id, state, progress.
func (as *API) reportStatus(w http.ResponseWriter, r *http.Request, id string) {
	j, err := as.Storage.GetJob(id)
	if err != nil {
		if err == storage.ErrNotFound {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job.Status{ID: j.ID, State: j.State, Progress: j.Progress})
}

// detailDoc is the job detail document served (and cached) for readers.
type detailDoc struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Requester string            `json:"requester"`
	Params    map[string]string `json:"params,omitempty"`
	State     job.State         `json:"state"`
	Progress  int               `json:"progress"`
	Attempts  int               `json:"attempts"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// reportDetail serves the full job document, going through the Redis
// detail cache. Cache entries are invalidated eagerly on completion
// (by the processor and by pollers), so a hit is never terminally
// stale.
func (as *API) reportDetail(w http.ResponseWriter, r *http.Request, id string) {
	if doc, err := as.Storage.GetCachedDetail(id); err == nil && doc != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Reportd-Cache", "hit")
		w.Write(doc)
		return
	}

	j, err := as.Storage.GetJob(id)
	if err != nil {
		if err == storage.ErrNotFound {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	doc, err := json.Marshal(detailDoc{
		ID:        j.ID,
		Kind:      j.Kind,
		Requester: j.Requester,
		Params:    j.Params,
		State:     j.State,
		Progress:  j.Progress,
		Attempts:  j.Attempts,
		Error:     j.Meta,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := as.Storage.SetCachedDetail(id, doc); err != nil {
		as.Log.Println("Error caching detail for job", id, ":", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Reportd-Cache", "miss")
	w.Write(doc)
}

// cancelReport cancels a job that has not completed yet.
func (as *API) cancelReport(w http.ResponseWriter, r *http.Request, id string) {
	j, err := as.Storage.GetJob(id)
	if err != nil {
		if err == storage.ErrNotFound {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if j.State.IsTerminal() {
		http.Error(w, fmt.Sprintf("Job is already %s", j.State), http.StatusConflict)
		return
	}

	j.State = job.StateCancelled
	if err := as.Storage.SaveJob(&j); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := as.Storage.InvalidateDetail(id); err != nil {
		as.Log.Println("Error invalidating detail for job", id, ":", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// downloadReport streams the artifact of a ready job and transitions it
// to the downloaded state.
func (as *API) downloadReport(w http.ResponseWriter, r *http.Request, id string) {
	if as.Artifacts == nil {
		http.Error(w, "Downloads are not enabled on this server", http.StatusNotImplemented)
		return
	}

	j, err := as.Storage.GetJob(id)
	if err != nil {
		if err == storage.ErrNotFound {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if j.State != job.StateReady && j.State != job.StateDownloaded {
		http.Error(w, fmt.Sprintf("Job is %s, not ready", j.State), http.StatusConflict)
		return
	}

	f, err := as.Artifacts.OpenFile(j.Path())
	if err != nil {
		http.Error(w, "Error opening artifact: "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", j.Kind+".xlsx"))
	if _, err := io.Copy(w, f); err != nil {
		as.Log.Println("Error streaming artifact for job", id, ":", err)
		return
	}

	if j.State == job.StateReady {
		j.State = job.StateDownloaded
		if err := as.Storage.SaveJob(&j); err != nil {
			as.Log.Println("Error marking job", id, "downloaded:", err)
		}
		if err := as.Storage.InvalidateDetail(id); err != nil {
			as.Log.Println("Error invalidating detail for job", id, ":", err)
		}
	}
}

// index serves the heartbeat and the minimal dashboard page.
func (as *API) index(w http.ResponseWriter, r *http.Request) {
	if as.HeartbeatPath != "" && r.URL.Path == as.HeartbeatPath {
		w.WriteHeader(http.StatusOK)
		return
	}

	fs, err := staticFs()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.FileServer(fs).ServeHTTP(w, r)
}

package api

import (
	"encoding/json"
	"io/ioutil"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/learnhub/reportd/job"
	"github.com/learnhub/reportd/processor/filestorage"
	"github.com/learnhub/reportd/storage"

	"github.com/go-redis/redis"
)

var (
	// a dedicated DB keeps concurrently tested packages apart
	Redis  = redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 1})
	store  *storage.Storage
	logger = log.New(os.Stderr, "[test-api] ", log.Ldate|log.Ltime)
)

func init() {
	err := Redis.FlushDB().Err()
	if err != nil {
		log.Fatal(err)
	}
	store, err = storage.New(Redis)
	if err != nil {
		log.Fatal(err)
	}
}

func serve(as *API, method, target string, body string) *http.Response {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	as.Server.Handler.ServeHTTP(w, req)
	return w.Result()
}

func TestCreateReport(t *testing.T) {
	cases := map[string]int{
		`{"kind":"learner-progress","requester":"teacher-7","params":{"course":"go-101"}}`:                               http.StatusCreated,
		`{"kind":"certificates","requester":"admin-1","callback_type":"http","callback_dst":"http://localhost:8080/cb"}`: http.StatusCreated,

		`meh`: http.StatusBadRequest,
		// unknown kind
		`{"kind":"payroll","requester":"teacher-7"}`: http.StatusBadRequest,
		// no requester
		`{"kind":"certificates"}`: http.StatusBadRequest,
		// half a callback
		`{"kind":"certificates","requester":"admin-1","callback_type":"http"}`: http.StatusBadRequest,
		// half an s3 target
		`{"kind":"certificates","requester":"admin-1","s3_bucket":"reports"}`: http.StatusBadRequest,
	}

	as := New(store, "example.com", 80, logger)

	for data, expected := range cases {
		result := serve(as, "POST", "/reports", data)
		body, err := ioutil.ReadAll(result.Body)
		if err != nil {
			t.Fatal(err)
		}

		if result.StatusCode != expected {
			t.Fatalf("Expected status code %d, got %d (%s)", expected, result.StatusCode, data)
		}

		if result.StatusCode == http.StatusCreated {
			v := make(map[string]string)
			err := json.Unmarshal(body, &v)
			if err != nil {
				t.Fatal(err)
			}
			if !(len(v["id"]) > 0) {
				t.Fatalf("Expected to receive a valid job id, got %s", body)
			}

			j, err := store.GetJob(v["id"])
			if err != nil {
				t.Fatal(err)
			}
			if j.State != job.StateQueued {
				t.Fatalf("Expected created job to be queued, got %s", j.State)
			}
		}
	}
}

func TestReportStatus(t *testing.T) {
	j := &job.Job{ID: "statusjob", Kind: "certificates", Requester: "admin-1",
		State: job.StateProcessing, Progress: 40}
	if err := store.SaveJob(j); err != nil {
		t.Fatal(err)
	}

	as := New(store, "example.com", 80, logger)

	result := serve(as, "GET", "/reports/statusjob/status", "")
	if result.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", result.StatusCode)
	}
	var st job.Status
	if err := json.NewDecoder(result.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	expected := job.Status{ID: "statusjob", State: job.StateProcessing, Progress: 40}
	if st != expected {
		t.Errorf("Expected %v, got %v", expected, st)
	}

	result = serve(as, "GET", "/reports/nosuchjob/status", "")
	if result.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown job, got %d", result.StatusCode)
	}
}

func TestReportDetailCaching(t *testing.T) {
	j := &job.Job{ID: "detailjob", Kind: "course-activity", Requester: "teacher-7",
		State: job.StateRendering, Progress: 70}
	if err := store.SaveJob(j); err != nil {
		t.Fatal(err)
	}

	as := New(store, "example.com", 80, logger)

	result := serve(as, "GET", "/reports/detailjob", "")
	if result.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", result.StatusCode)
	}
	if got := result.Header.Get("X-Reportd-Cache"); got != "miss" {
		t.Errorf("Expected a cache miss on first read, got %q", got)
	}

	result = serve(as, "GET", "/reports/detailjob", "")
	if got := result.Header.Get("X-Reportd-Cache"); got != "hit" {
		t.Errorf("Expected a cache hit on second read, got %q", got)
	}

	var doc map[string]interface{}
	if err := json.NewDecoder(result.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc["id"] != "detailjob" || doc["state"] != "rendering" {
		t.Errorf("Unexpected detail document: %v", doc)
	}
}

func TestCancelReport(t *testing.T) {
	j := &job.Job{ID: "canceljob", Kind: "certificates", Requester: "admin-1",
		State: job.StateProcessing}
	if err := store.SaveJob(j); err != nil {
		t.Fatal(err)
	}

	as := New(store, "example.com", 80, logger)

	// warm the detail cache so we can observe the invalidation
	serve(as, "GET", "/reports/canceljob", "")

	result := serve(as, "DELETE", "/reports/canceljob", "")
	if result.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", result.StatusCode)
	}

	got, err := store.GetJob("canceljob")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateCancelled {
		t.Errorf("Expected cancelled state, got %s", got.State)
	}

	cached, err := store.GetCachedDetail("canceljob")
	if err != nil {
		t.Fatal(err)
	}
	if cached != nil {
		t.Error("Expected the detail cache to be invalidated on cancel")
	}

	// a second cancel hits a terminal job
	result = serve(as, "DELETE", "/reports/canceljob", "")
	if result.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 cancelling a terminal job, got %d", result.StatusCode)
	}
}

func TestDownloadReport(t *testing.T) {
	j := &job.Job{ID: "dljob0001", Kind: "learner-progress", Requester: "teacher-7",
		State: job.StateReady, Progress: 100}
	if err := store.SaveJob(j); err != nil {
		t.Fatal(err)
	}

	rootdir := t.TempDir()
	artifact := filepath.Join(rootdir, filepath.FromSlash(j.Path()))
	if err := os.MkdirAll(filepath.Dir(artifact), 0755); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(artifact, []byte("xlsx bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	artifacts, err := filestorage.NewFileSystem(rootdir)
	if err != nil {
		t.Fatal(err)
	}

	as := New(store, "example.com", 80, logger)
	as.Artifacts = artifacts

	result := serve(as, "GET", "/reports/dljob0001/download", "")
	if result.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", result.StatusCode)
	}
	body, err := ioutil.ReadAll(result.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "xlsx bytes" {
		t.Errorf("Unexpected artifact body %q", body)
	}

	got, err := store.GetJob("dljob0001")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateDownloaded {
		t.Errorf("Expected downloaded state after download, got %s", got.State)
	}

	// repeat downloads of a downloaded job are allowed
	result = serve(as, "GET", "/reports/dljob0001/download", "")
	if result.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 re-downloading, got %d", result.StatusCode)
	}

	// in-flight jobs have no artifact to stream
	inflight := &job.Job{ID: "dljob0002", Kind: "certificates", Requester: "admin-1",
		State: job.StateProcessing}
	if err := store.SaveJob(inflight); err != nil {
		t.Fatal(err)
	}
	result = serve(as, "GET", "/reports/dljob0002/download", "")
	if result.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 downloading an unfinished job, got %d", result.StatusCode)
	}
}

func TestDownloadDisabled(t *testing.T) {
	j := &job.Job{ID: "dljob0003", Kind: "certificates", Requester: "admin-1",
		State: job.StateReady}
	if err := store.SaveJob(j); err != nil {
		t.Fatal(err)
	}

	as := New(store, "example.com", 80, logger)
	result := serve(as, "GET", "/reports/dljob0003/download", "")
	if result.StatusCode != http.StatusNotImplemented {
		t.Errorf("Expected 501 with no artifact store, got %d", result.StatusCode)
	}
}

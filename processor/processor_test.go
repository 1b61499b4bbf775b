package processor

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/learnhub/reportd/job"
	"github.com/learnhub/reportd/processor/filestorage"
	"github.com/learnhub/reportd/storage"

	"github.com/go-redis/redis"
)

var (
	// a dedicated DB keeps concurrently tested packages apart
	Redis  = redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 3})
	store  *storage.Storage
	logger = log.New(os.Stderr, "[test-processor] ", log.Ldate|log.Ltime)

	// feedServer mimics the records feed. Paths select the canned
	// response: /good/* serves a small report, /5xx/* and /4xx/* fail.
	feedServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case len(r.URL.Path) >= 4 && r.URL.Path[:4] == "/5xx":
			http.Error(w, "feed exploded", http.StatusInternalServerError)
		case len(r.URL.Path) >= 4 && r.URL.Path[:4] == "/4xx":
			http.Error(w, "no such course", http.StatusUnprocessableEntity)
		default:
			fmt.Fprint(w, `{"title":"Report","columns":["learner","completion"],"rows":[["alice",100],["bob",40]]}`)
		}
	}))
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

func newTestProcessor(t *testing.T, feedBase string) *Processor {
	t.Helper()
	artifacts, err := filestorage.NewFileSystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(store, 1, t.TempDir(), artifacts, feedBase, logger)
	if err != nil {
		t.Fatal(err)
	}
	return &p
}

func TestPerformBuildsReport(t *testing.T) {
	p := newTestProcessor(t, feedServer.URL+"/good")

	j := &job.Job{ID: "buildjob1", Kind: "learner-progress", Requester: "teacher-7",
		Params: map[string]string{"course": "go-101"}}
	if err := store.QueuePendingReport(j, 0); err != nil {
		t.Fatal(err)
	}

	p.perform(context.Background(), j)

	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateReady {
		t.Fatalf("Expected ready state, got %s (meta: %s)", got.State, got.Meta)
	}
	if got.Progress != 100 {
		t.Errorf("Expected progress 100, got %d", got.Progress)
	}
	if got.Attempts != 1 {
		t.Errorf("Expected a single attempt, got %d", got.Attempts)
	}
	if !p.Artifacts.FileExists(j.Path()) {
		t.Error("Expected the artifact to be stored")
	}
	// the scratch copy must be gone after upload
	if _, err := os.Stat(p.scratchPath(j)); !os.IsNotExist(err) {
		t.Error("Expected the scratch file to be moved away")
	}
}

func TestPerformReadyJobQueuesCallback(t *testing.T) {
	p := newTestProcessor(t, feedServer.URL+"/good")

	j := &job.Job{ID: "cbbuild01", Kind: "certificates", Requester: "admin-1",
		CallbackType: "http", CallbackDst: "http://localhost:8080/cb"}
	if err := store.QueuePendingReport(j, 0); err != nil {
		t.Fatal(err)
	}

	p.perform(context.Background(), j)

	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateReady {
		t.Fatalf("Expected ready state, got %s (meta: %s)", got.State, got.Meta)
	}
	if got.CallbackState != job.StatePending {
		t.Errorf("Expected a pending callback, got %q", got.CallbackState)
	}

	popped, err := store.PopCallback()
	if err != nil {
		t.Fatal(err)
	}
	if popped.ID != j.ID {
		t.Errorf("Wrong job in the callback queue: %s", popped.ID)
	}
}

func TestPerformPermanentFeedError(t *testing.T) {
	p := newTestProcessor(t, feedServer.URL+"/4xx")

	j := &job.Job{ID: "permfail1", Kind: "course-activity", Requester: "teacher-7"}
	if err := store.QueuePendingReport(j, 0); err != nil {
		t.Fatal(err)
	}

	p.perform(context.Background(), j)

	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateFailed {
		t.Fatalf("Expected failed state, got %s", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("Rejected requests must not be retried, got %d attempts", got.Attempts)
	}
	if got.Meta == "" {
		t.Error("Expected the feed error to be recorded")
	}
}

func TestPerformTransientFeedErrorRetries(t *testing.T) {
	p := newTestProcessor(t, feedServer.URL+"/5xx")

	j := &job.Job{ID: "retryjob1", Kind: "learner-progress", Requester: "teacher-7"}
	if err := store.QueuePendingReport(j, 0); err != nil {
		t.Fatal(err)
	}

	// first attempt re-queues with a delay
	p.perform(context.Background(), j)

	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateQueued {
		t.Fatalf("Expected the job re-queued, got %s", got.State)
	}
	if got.Attempts != 1 {
		t.Fatalf("Expected 1 attempt, got %d", got.Attempts)
	}

	// exhaust the remaining attempts
	for i := 1; i < p.MaxAttempts; i++ {
		p.perform(context.Background(), j)
	}

	got, err = store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateFailed {
		t.Fatalf("Expected failed state after %d attempts, got %s", p.MaxAttempts, got.State)
	}
	if got.Attempts != p.MaxAttempts {
		t.Errorf("Expected %d attempts, got %d", p.MaxAttempts, got.Attempts)
	}
}

func TestPerformSkipsCancelledJob(t *testing.T) {
	p := newTestProcessor(t, feedServer.URL+"/good")

	j := &job.Job{ID: "cancjob01", Kind: "certificates", Requester: "admin-1",
		State: job.StateCancelled}
	if err := store.SaveJob(j); err != nil {
		t.Fatal(err)
	}

	p.perform(context.Background(), j)

	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateCancelled {
		t.Errorf("Expected the job untouched, got %s", got.State)
	}
	if got.Attempts != 0 {
		t.Errorf("Expected no attempts, got %d", got.Attempts)
	}
}

func TestPerformInterruptedRunNotCounted(t *testing.T) {
	p := newTestProcessor(t, feedServer.URL+"/good")

	j := &job.Job{ID: "interjob1", Kind: "learner-progress", Requester: "teacher-7"}
	if err := store.QueuePendingReport(j, 0); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.perform(ctx, j)

	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attempts != 0 {
		t.Errorf("Interrupted runs must not count as attempts, got %d", got.Attempts)
	}
}

func TestCollectRogueReports(t *testing.T) {
	j := &job.Job{ID: "roguejob1", Kind: "certificates", Requester: "admin-1",
		State: job.StateRendering}
	if err := store.SaveJob(j); err != nil {
		t.Fatal(err)
	}

	p := newTestProcessor(t, feedServer.URL+"/good")
	p.collectRogueReports()

	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateQueued {
		t.Errorf("Expected the rogue job re-queued, got %s", got.State)
	}

	// and it is poppable once due
	deadline := time.Now().Add(5 * time.Second)
	for {
		popped, err := store.PopReport()
		if err == nil && popped.ID == j.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Rogue job never surfaced in the report queue")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

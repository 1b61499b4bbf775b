package httpbackend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/learnhub/reportd/job"
)

var (
	cbServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	readyJob *job.Job
)

func init() {
	readyJob = &job.Job{
		ID:           "successjob",
		Kind:         "learner-progress",
		Requester:    "teacher-7",
		State:        job.StateReady,
		CallbackType: "http",
		CallbackDst:  cbServer.URL,
	}
}

func TestHttpBackendNotifySuccess(t *testing.T) {
	var wg sync.WaitGroup

	httpB := &Backend{}
	err := httpB.Start(context.Background(),
		map[string]interface{}{"timeout": json.Number("5")})
	if err != nil {
		t.Fatalf("Start should not return error")
	}

	dwURL, _ := url.Parse("http://reportd.example.com/reports")
	cbInfo, err := readyJob.CallbackInfo(*dwURL)
	if err != nil {
		t.Fatal(err)
	}

	wg.Add(1)
	go func() {
		err := httpB.Notify(readyJob.CallbackDst, cbInfo)
		if err != nil {
			t.Errorf("Expected Notify to be successful: %s", err)
		}
		wg.Done()
	}()

	time.Sleep(2 * time.Second)

	report := <-httpB.DeliveryReports()
	if !report.Delivered {
		t.Fatalf("Expected callback delivery to be successful")
	}
	if report.JobID != readyJob.ID {
		t.Fatalf("Expected delivery report for %s, got %s", readyJob.ID, report.JobID)
	}

	err = httpB.Stop()
	if err != nil {
		t.Fatalf("Error while finalizing %s ", err)
	}
	wg.Wait()
}

func TestHttpBackendNotifyFailure(t *testing.T) {
	failServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failServer.Close()

	httpB := &Backend{}
	if err := httpB.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start should not return error")
	}

	dwURL, _ := url.Parse("http://reportd.example.com/reports")
	cbInfo, err := readyJob.CallbackInfo(*dwURL)
	if err != nil {
		t.Fatal(err)
	}

	if err := httpB.Notify(failServer.URL, cbInfo); err == nil {
		t.Fatal("Expected Notify to report the rejected delivery")
	}
}

// Package notifier consumes the results of report jobs and notifies the
// respective requesters through a pluggable delivery backend (HTTP,
// Kafka or SQS).
package notifier

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/learnhub/reportd/backend"
	httpbackend "github.com/learnhub/reportd/backend/http_backend"
	kafkabackend "github.com/learnhub/reportd/backend/kafka_backend"
	sqsbackend "github.com/learnhub/reportd/backend/sqs_backend"
	"github.com/learnhub/reportd/job"
	"github.com/learnhub/reportd/poll"
	"github.com/learnhub/reportd/stats"
	"github.com/learnhub/reportd/storage"
)

const (
	maxCallbackRetries = 2

	// Metric identifiers
	statsSent      = "callbacksSent"      // Counter
	statsDelivered = "callbacksDelivered" // Counter
	statsFailed    = "callbacksFailed"    // Counter
	statsRetried   = "callbacksRetried"   // Counter
)

// Notifier is the component responsible for consuming the result of
// jobs and notifying back the respective requesters.
type Notifier struct {
	Storage *storage.Storage

	// DownloadURL is the base URL under which finished artifacts are
	// served; it is embedded in callback payloads.
	DownloadURL *url.URL

	Log *log.Logger

	// Interval between each stats flush
	StatsIntvl time.Duration

	// StatsdAddr, when set, mirrors metrics to a statsd daemon.
	StatsdAddr string

	concurrency int
	cbChan      chan job.Job
	backends    map[string]backend.Backend
	stats       *stats.Stats
}

// New takes the concurrency of the notifier as an argument
func New(s *storage.Storage, concurrency int, logger *log.Logger, downloadURL string) (Notifier, error) {
	if concurrency <= 0 {
		return Notifier{}, fmt.Errorf("Notifier concurrency must be greater than 0")
	}

	dwURL, err := url.Parse(downloadURL)
	if err != nil {
		return Notifier{}, fmt.Errorf("Could not parse download URL: %s", err)
	}

	return Notifier{
		Storage:     s,
		DownloadURL: dwURL,
		Log:         logger,
		StatsIntvl:  5 * time.Second,
		concurrency: concurrency,
		cbChan:      make(chan job.Job),
	}, nil
}

// Start starts the Notifier loop and instruments the worker goroutines
// that perform the actual notify requests. Backends are initialized
// from backendsCfg, keyed by backend id; the HTTP backend is always
// available.
func (n *Notifier) Start(closeChan chan struct{}, backendsCfg map[string]map[string]interface{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n.backends = make(map[string]backend.Backend)
	for _, b := range []backend.Backend{
		&httpbackend.Backend{},
		&kafkabackend.Backend{},
		&sqsbackend.Backend{},
	} {
		cfg, ok := backendsCfg[b.ID()]
		if !ok && b.ID() != "http" {
			continue
		}
		if err := b.Start(ctx, cfg); err != nil {
			return fmt.Errorf("Could not start %s backend: %s", b.ID(), err)
		}
		n.backends[b.ID()] = b
	}

	n.stats = stats.New("Notifier", n.StatsIntvl,
		func(m *expvar.Map) {
			err := n.Storage.SetStats("notifier", m.String(), 2*n.StatsIntvl)
			if err != nil {
				n.Log.Println("Could not report stats", err)
			}
		})
	if n.StatsdAddr != "" {
		n.stats.MirrorStatsd("reportd.notifier.", n.StatsdAddr)
	}
	go n.stats.Run(ctx)

	n.collectRogueCallbacks()

	var wg sync.WaitGroup
	wg.Add(n.concurrency)
	for i := 0; i < n.concurrency; i++ {
		go func() {
			defer wg.Done()
			for j := range n.cbChan {
				n.Notify(&j)
			}
		}()
	}

	var reportWg sync.WaitGroup
	for _, b := range n.backends {
		reportWg.Add(1)
		go func(b backend.Backend) {
			defer reportWg.Done()
			for cb := range b.DeliveryReports() {
				n.handleReport(cb)
			}
		}(b)
	}

	for {
		select {
		case <-closeChan:
			close(n.cbChan)
			wg.Wait()
			for id, b := range n.backends {
				if err := b.Stop(); err != nil {
					n.Log.Printf("Error stopping %s backend: %s", id, err)
				}
			}
			reportWg.Wait()
			closeChan <- struct{}{}
			return nil
		default:
			j, err := n.Storage.PopCallback()
			if err != nil {
				switch err {
				case storage.ErrEmptyQueue, storage.ErrRetryLater:
					time.Sleep(time.Second)
				default:
					n.Log.Println(err)
				}
				continue
			}
			n.cbChan <- j
		}
	}
}

// Notify posts callback info of j through the backend selected by its
// callback type.
func (n *Notifier) Notify(j *job.Job) {
	// The attempt count must be durable before the send: async backends
	// report outcomes through DeliveryReports, and handleReport refetches
	// the job from Redis to decide between retry and giving up.
	j.CallbackState = job.StateProcessing
	j.CallbackCount++
	if err := n.Storage.SaveJob(j); err != nil {
		n.Log.Printf("Error marking callback of %s in progress: %s", j, err)
		return
	}

	cbInfo, err := j.CallbackInfo(*n.DownloadURL)
	if err != nil {
		n.markCallbackFailed(j, err.Error())
		return
	}

	b, ok := n.backends[backendID(j)]
	if !ok {
		n.markCallbackFailed(j, fmt.Sprintf("Unknown callback type %q", j.CallbackType))
		return
	}

	n.stats.Add(statsSent, 1)
	if err := b.Notify(j.CallbackDst, cbInfo); err != nil {
		n.retryOrFail(j, err.Error())
	}
}

// handleReport acts on a delivery report: it finalizes the callback
// state of the job, retrying failed deliveries up to the retry ceiling.
func (n *Notifier) handleReport(cb job.Callback) {
	j, err := n.Storage.GetJob(cb.JobID)
	if err != nil {
		n.Log.Printf("Error fetching job %s for delivery report: %s", cb.JobID, err)
		return
	}

	if !cb.Delivered {
		n.retryOrFail(&j, cb.DeliveryError)
		return
	}

	n.stats.Add(statsDelivered, 1)
	j.CallbackState = job.StateReady
	j.CallbackMeta = ""
	if err := n.Storage.SaveJob(&j); err != nil {
		n.Log.Printf("Error marking callback of %s delivered: %s", &j, err)
	}
}

// retryOrFail checks the callback count of j and re-queues the callback
// with a backoff delay if CallbackCount < maxCallbackRetries, else it
// marks it as failed.
func (n *Notifier) retryOrFail(j *job.Job, meta string) {
	if j.CallbackCount >= maxCallbackRetries {
		n.markCallbackFailed(j, meta)
		return
	}

	n.stats.Add(statsRetried, 1)
	j.CallbackMeta = meta
	delay := poll.BackoffDelay(j.CallbackCount-1, poll.DefaultBackoffBase, poll.DefaultBackoffCap)
	if err := n.Storage.QueuePendingCallback(j, delay); err != nil {
		n.Log.Printf("Error re-queueing callback for %s: %s", j, err)
	}
}

func (n *Notifier) markCallbackFailed(j *job.Job, meta string) {
	n.stats.Add(statsFailed, 1)
	j.CallbackState = job.StateFailed
	j.CallbackMeta = meta
	if err := n.Storage.SaveJob(j); err != nil {
		n.Log.Printf("Error marking callback of %s failed: %s", j, err)
	}
	n.Log.Printf("Callback of %s failed: %s", j, meta)
}

// collectRogueCallbacks re-queues callbacks left in-progress by an
// interrupted previous run.
func (n *Notifier) collectRogueCallbacks() {
	var cursor uint64
	var rogueCount uint64

	for {
		var keys []string
		var err error
		keys, cursor, err = n.Storage.Redis.Scan(cursor, storage.JobKeyPrefix+"*", 50).Result()
		if err != nil {
			n.Log.Println("Error scanning Redis for rogue callbacks:", err)
			break
		}

		for _, jobKey := range keys {
			strCmd := n.Storage.Redis.HGet(jobKey, "CallbackState")
			if strCmd.Err() != nil {
				n.Log.Println(strCmd.Err())
				continue
			}
			if job.State(strCmd.Val()) != job.StateProcessing {
				continue
			}

			jb, err := n.Storage.GetJob(jobKey[len(storage.JobKeyPrefix):])
			if err != nil {
				n.Log.Printf("Error fetching job with key '%s' from Redis: %s", jobKey, err)
				continue
			}
			if err := n.Storage.QueuePendingCallback(&jb, 0); err != nil {
				n.Log.Printf("Error re-queueing callback for %s: %s", &jb, err)
				continue
			}
			rogueCount++
		}

		if cursor == 0 {
			break
		}
	}

	if rogueCount > 0 {
		n.Log.Printf("Queued %d rogue callbacks", rogueCount)
	}
}

// backendID maps a job's callback type to a backend id. An absent type
// defaults to HTTP for backwards compatibility with older clients.
func backendID(j *job.Job) string {
	if j.CallbackType == "" {
		return "http"
	}
	return j.CallbackType
}

// Processor is one of the core entities of reportd. It drives queued
// report jobs through the generation pipeline.
//
// Jobs are popped from a Redis ZSET whose scores are ready-at times, so
// retries scheduled in the future are invisible until due. Each popped
// job runs through the pipeline stages, with state and progress written
// back to Redis after every stage:
//
//	queued -> processing -> rendering -> uploading -> ready
//
// Gathering fetches the raw report records from the platform's internal
// records feed over HTTP. Rendering produces an XLSX workbook in the
// scratch directory. Uploading moves the workbook into the configured
// artifact store (filesystem or S3).
//
// Transient stage failures re-queue the job with an exponentially
// growing delay, up to MaxAttempts; anything else marks it failed.
// Completed jobs with a callback destination are handed to the callback
// queue for the notifier.
//
// Cancellation and shutdown are coordinated through contexts: when a
// shutdown signal is received, it propagates to the workers, stopping
// any in-progress gathers and gracefully shutting down.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/learnhub/reportd/job"
	"github.com/learnhub/reportd/poll"
	"github.com/learnhub/reportd/processor/filestorage"
	"github.com/learnhub/reportd/processor/render"
	"github.com/learnhub/reportd/stats"
	"github.com/learnhub/reportd/storage"
)

var (
	// RetryBackoffBase and RetryBackoffCap parameterize the re-queue
	// delay of transiently failed jobs.
	RetryBackoffBase = 30 * time.Second
	RetryBackoffCap  = 10 * time.Minute

	// Based on http.DefaultTransport
	//
	// See https://golang.org/pkg/net/http/#RoundTripper
	httpTransport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   4 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
)

const (
	popBackoff         = 1 * time.Second
	defaultMaxAttempts = 3

	// Metric identifiers
	statsWorkers            = "workers"        // Gauge
	statsReportsBuilt       = "reportsBuilt"   // Counter
	statsFailures           = "failures"       // Counter
	statsRetries            = "retries"        // Counter
	statsCancelled          = "cancelled"      // Counter
	statsFeedResponsePrefix = "feed.response." // Counter
)

// Processor pops queued report jobs and performs them.
type Processor struct {
	Storage *storage.Storage

	// ScratchDir is the filesystem location where artifacts are
	// rendered before being uploaded to the artifact store.
	ScratchDir string

	// Artifacts is where finished workbooks end up.
	Artifacts filestorage.FileStorage

	// RecordsURL is the base URL of the platform's internal records
	// feed, queried during the gather stage.
	RecordsURL string

	// Concurrency is the number of worker goroutines.
	Concurrency int

	// MaxAttempts bounds generation attempts per job.
	MaxAttempts int

	// The client used for records feed requests
	Client *http.Client

	// The User-Agent to set in feed requests
	UserAgent string

	Log *log.Logger

	// Interval between each stats flush
	StatsIntvl time.Duration

	// StatsdAddr, when set, mirrors metrics to a statsd daemon.
	StatsdAddr string

	stats *stats.Stats
}

// New initializes and returns a Processor, or an error if scratchDir
// is not writable.
func New(st *storage.Storage, concurrency int, scratchDir string, artifacts filestorage.FileStorage,
	recordsURL string, logger *log.Logger) (Processor, error) {
	// verify we can write to scratchDir
	tmpf, err := ioutil.TempFile(scratchDir, "write-check-")
	if err != nil {
		return Processor{}, errors.New("Error verifying scratch directory is writable: " + err.Error())
	}
	_, err = tmpf.Write([]byte("a"))
	if err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return Processor{}, errors.New("Error verifying scratch directory is writable: " + err.Error())
	}
	err = tmpf.Close()
	if err != nil {
		return Processor{}, errors.New("Error verifying scratch directory is writable: " + err.Error())
	}
	err = os.Remove(tmpf.Name())
	if err != nil {
		return Processor{}, errors.New("Error verifying scratch directory is writable: " + err.Error())
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	return Processor{
		Storage:     st,
		ScratchDir:  scratchDir,
		Artifacts:   artifacts,
		RecordsURL:  strings.TrimSuffix(recordsURL, "/"),
		Concurrency: concurrency,
		MaxAttempts: defaultMaxAttempts,
		StatsIntvl:  5 * time.Second,
		Client: &http.Client{
			Transport: httpTransport,
			Timeout:   30 * time.Second,
		},
		Log:   logger,
		stats: stats.New("Processor", time.Second, func(m *expvar.Map) {}),
	}, nil
}

// Start starts p and its worker goroutines. It blocks until a signal
// arrives on closeCh, then shuts down gracefully and signals back.
func (p *Processor) Start(closeCh chan struct{}) {
	p.Log.Println("Starting...")
	p.collectRogueReports()

	ctx, cancel := context.WithCancel(context.Background())

	p.stats = stats.New("Processor", p.StatsIntvl,
		func(m *expvar.Map) {
			err := p.Storage.SetStats("processor", m.String(), 2*p.StatsIntvl) // Autoremove stats after 2 times the interval
			if err != nil {
				p.Log.Println("Could not report stats", err)
			}
		})
	if p.StatsdAddr != "" {
		p.stats.MirrorStatsd("reportd.processor.", p.StatsdAddr)
	}
	go p.stats.Run(ctx)

	var wg sync.WaitGroup
	wg.Add(p.Concurrency)
	for i := 0; i < p.Concurrency; i++ {
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}

	<-closeCh
	cancel()
	wg.Wait()
	closeCh <- struct{}{}
}

// work is the core worker loop: pop, perform, repeat.
func (p *Processor) work(ctx context.Context) {
	p.stats.Add(statsWorkers, 1)
	defer p.stats.Add(statsWorkers, -1)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			j, err := p.Storage.PopReport()
			if err != nil {
				switch err {
				case storage.ErrEmptyQueue, storage.ErrRetryLater:
					// noop
				default:
					p.Log.Println("Error popping job from Redis:", err)
				}
				time.Sleep(popBackoff)
				continue
			}
			p.perform(ctx, &j)
		}
	}
}

// perform drives j through the pipeline stages and updates its state in
// Redis accordingly. It may re-queue the job on transient errors.
func (p *Processor) perform(ctx context.Context, j *job.Job) {
	if j.State == job.StateCancelled {
		p.stats.Add(statsCancelled, 1)
		return
	}

	j.Attempts++
	if err := p.setStage(j, job.StateProcessing, 10); err != nil {
		p.Log.Printf("perform: Error marking %s as processing: %s", j, err)
		return
	}

	p.Log.Println("Gathering records for", j, "...")
	rep, err := p.gather(ctx, j)
	if err != nil {
		if err == context.Canceled {
			// Do not count an interrupted run towards MaxAttempts;
			// rogue collection re-queues it on the next start.
			j.Attempts--
			if err := p.Storage.SaveJob(j); err != nil {
				p.Log.Printf("perform: Error saving %s after interrupted run: %s", j, err)
			}
			return
		}
		var permanent *permanentError
		if errors.As(err, &permanent) {
			p.failJob(j, err.Error())
			return
		}
		p.requeueOrFail(j, err.Error())
		return
	}

	if p.cancelledMeanwhile(j) {
		return
	}
	if err := p.setStage(j, job.StateRendering, 40); err != nil {
		p.Log.Printf("perform: Error marking %s as rendering: %s", j, err)
		return
	}

	scratch := p.scratchPath(j)
	if err := render.WriteFile(rep, scratch); err != nil {
		// Rendering is deterministic; retrying will not help.
		p.failJob(j, fmt.Sprintf("Could not render report: %s", err))
		return
	}

	if p.cancelledMeanwhile(j) {
		os.Remove(scratch)
		return
	}
	if err := p.setStage(j, job.StateUploading, 80); err != nil {
		p.Log.Printf("perform: Error marking %s as uploading: %s", j, err)
		return
	}

	if err := p.Artifacts.StoreFile(scratch, j.Path()); err != nil {
		p.Log.Printf("perform: Error storing artifact for %s: %s", j, err)
		os.Remove(scratch)
		p.requeueOrFail(j, fmt.Sprintf("Could not store artifact: %s", err))
		return
	}

	if err := p.readyJob(j); err != nil {
		p.Log.Printf("perform: Error marking %s ready: %s", j, err)
		return
	}
	p.stats.Add(statsReportsBuilt, 1)
	p.Log.Println("Built", j)
}

// feedDoc is the wire format of the records feed.
type feedDoc struct {
	Title   string          `json:"title"`
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// permanentError marks gather failures that must not be retried.
type permanentError struct {
	msg string
}

func (e *permanentError) Error() string { return e.msg }

// gather fetches the raw records of j from the records feed.
func (p *Processor) gather(ctx context.Context, j *job.Job) (*render.Report, error) {
	u, err := url.Parse(p.RecordsURL + "/" + j.Kind)
	if err != nil {
		return nil, &permanentError{msg: fmt.Sprintf("Could not build feed URL: %s", err)}
	}
	q := u.Query()
	q.Set("requester", j.Requester)
	for k, v := range j.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &permanentError{msg: fmt.Sprintf("Could not initialize feed request: %s", err)}
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, context.Canceled
		}
		p.stats.Add(statsFeedResponsePrefix+"other", 1)
		return nil, err
	}
	defer resp.Body.Close()

	p.stats.Add(fmt.Sprintf("%s%d", statsFeedResponsePrefix, resp.StatusCode), 1)

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("Records feed replied %s", resp.Status)
	} else if resp.StatusCode >= http.StatusBadRequest {
		return nil, &permanentError{msg: fmt.Sprintf("Records feed rejected the request: %s", resp.Status)}
	}

	var doc feedDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("Could not decode feed response: %s", err)
	}
	return &render.Report{Title: doc.Title, Columns: doc.Columns, Rows: doc.Rows}, nil
}

// requeueOrFail checks the attempt count of the current job and
// re-queues it with a backoff delay if Attempts < MaxAttempts, else it
// marks it as failed.
func (p *Processor) requeueOrFail(j *job.Job, meta string) {
	if j.Attempts >= p.MaxAttempts {
		p.failJob(j, meta)
		return
	}

	p.stats.Add(statsRetries, 1)
	delay := poll.BackoffDelay(j.Attempts-1, RetryBackoffBase, RetryBackoffCap)
	p.Log.Printf("Re-queueing %s in %s: %s", j, delay, meta)
	j.Meta = meta
	if err := p.Storage.QueuePendingReport(j, delay); err != nil {
		p.Log.Printf("Error re-queueing %s: %s", j, err)
	}
}

func (p *Processor) setStage(j *job.Job, s job.State, progress int) error {
	j.State = s
	j.Progress = progress
	j.Meta = ""
	return p.Storage.SaveJob(j)
}

// readyJob marks j ready and enqueues it for callback if one is wanted.
func (p *Processor) readyJob(j *job.Job) error {
	j.State = job.StateReady
	j.Progress = 100
	j.Meta = ""

	// The detail cache still holds the pre-completion document.
	if err := p.Storage.InvalidateDetail(j.ID); err != nil {
		p.Log.Printf("Error invalidating detail cache for %s: %s", j, err)
	}

	if j.HasCallback() {
		// NOTE: we depend on QueuePendingCallback calling SaveJob(j)
		return p.Storage.QueuePendingCallback(j, 0)
	}
	return p.Storage.SaveJob(j)
}

// failJob marks j as failed and enqueues it for callback if one is wanted.
func (p *Processor) failJob(j *job.Job, meta string) {
	p.stats.Add(statsFailures, 1)
	j.State = job.StateFailed
	j.Meta = meta

	if err := p.Storage.InvalidateDetail(j.ID); err != nil {
		p.Log.Printf("Error invalidating detail cache for %s: %s", j, err)
	}

	var err error
	if j.HasCallback() {
		err = p.Storage.QueuePendingCallback(j, 0)
	} else {
		err = p.Storage.SaveJob(j)
	}
	if err != nil {
		p.Log.Printf("Error marking %s failed: %s", j, err)
	}
}

// cancelledMeanwhile re-reads j and reports whether it was cancelled
// while a previous stage was running. The artifact of a cancelled job
// is never published.
func (p *Processor) cancelledMeanwhile(j *job.Job) bool {
	fresh, err := p.Storage.GetJob(j.ID)
	if err != nil {
		return false
	}
	if fresh.State == job.StateCancelled {
		p.stats.Add(statsCancelled, 1)
		p.Log.Printf("Dropping %s: cancelled while in progress", j)
		return true
	}
	return false
}

// collectRogueReports scans Redis for jobs left in a mid-pipeline state.
// This indicates they are leftover from an interrupted previous run and
// should get re-queued.
func (p *Processor) collectRogueReports() {
	var cursor uint64
	var rogueCount uint64

	for {
		var keys []string
		var err error
		keys, cursor, err = p.Storage.Redis.Scan(cursor, storage.JobKeyPrefix+"*", 50).Result()
		if err != nil {
			p.Log.Println("Error scanning Redis for rogue reports:", err)
			break
		}

		for _, jobKey := range keys {
			strCmd := p.Storage.Redis.HGet(jobKey, "State")
			if strCmd.Err() != nil {
				p.Log.Println(strCmd.Err())
				continue
			}
			switch job.State(strCmd.Val()) {
			case job.StateProcessing, job.StateRendering, job.StateUploading:
			default:
				continue
			}

			jb, err := p.Storage.GetJob(strings.TrimPrefix(jobKey, storage.JobKeyPrefix))
			if err != nil {
				p.Log.Printf("Error fetching job with id '%s' from Redis: %s", jobKey, err)
				continue
			}
			err = p.Storage.QueuePendingReport(&jb, 0)
			if err != nil {
				p.Log.Printf("Error queueing job with id '%s': %s", jb.ID, err)
				continue
			}
			rogueCount++
		}

		if cursor == 0 {
			break
		}
	}

	if rogueCount > 0 {
		p.Log.Printf("Queued %d rogue reports", rogueCount)
	}
}

// scratchPath returns the scratch file path of j.
func (p *Processor) scratchPath(j *job.Job) string {
	return path.Join(p.ScratchDir, j.ID+".xlsx")
}

// Package poll implements the client-side controller that follows a
// report job to completion.
//
// A Poller owns a single goroutine and a single timer. On each tick it
// fetches the job's status, classifies the returned state and either
// reschedules (using the interval appropriate for the state), retries
// with exponential backoff (on transient errors, up to MaxRetries
// consecutive failures) or stops. On reaching a terminal state it
// invalidates the cached job detail entry so dependent readers refetch
// authoritative data, and fires the completion callback.
package poll

import (
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"sync"
	"time"

	"github.com/learnhub/reportd/job"
)

// DefaultMaxRetries is the number of consecutive transient failures
// after which a polling session gives up.
const DefaultMaxRetries = 5

// StatusGetter is the interface the Poller drives on each tick.
// client.Client implements it.
type StatusGetter interface {
	JobStatus(ctx context.Context, id string) (job.Status, error)
}

// Invalidator invalidates cached job detail entries.
// storage.Storage implements it.
type Invalidator interface {
	InvalidateDetail(id string) error
}

// Poller follows a single job until a terminal state. Tunables and
// callbacks are exported fields and must be set before calling Start.
//
// A Poller is not reusable; create a new one per job.
type Poller struct {
	// MaxRetries bounds consecutive transient failures.
	MaxRetries int

	// BackoffBase and BackoffCap parameterize the retry backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Cache, when non-nil, gets the job's detail entry invalidated
	// once a terminal state is reached.
	Cache Invalidator

	// OnComplete fires once when the job reaches a terminal state.
	OnComplete func(id string, state job.State)

	// OnError fires once when polling gives up: a non-transient
	// error, exhausted retries or an unclassifiable state.
	OnError func(id string, err error)

	// OnStatus fires on every successful fetch, before classification.
	OnStatus func(st job.Status)

	Log *log.Logger

	id string
	sg StatusGetter

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
	last    job.Status
	lastErr error
}

// New returns a Poller for the job denoted by id, with defaults applied.
func New(sg StatusGetter, id string) *Poller {
	return &Poller{
		MaxRetries:  DefaultMaxRetries,
		BackoffBase: DefaultBackoffBase,
		BackoffCap:  DefaultBackoffCap,
		Log:         log.New(ioutil.Discard, "", 0),
		id:          id,
		sg:          sg,
	}
}

// Start begins polling. The first status fetch is issued immediately.
// Calling Start on a running Poller is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.stopCh, p.done)
}

// Stop halts polling without signaling completion or error. It is
// idempotent and safe to call concurrently with the poll loop. An
// in-flight status request is not aborted; its late response is
// discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
}

// Done returns a channel closed when the polling session ends, whether
// by terminal state, fatal error or Stop.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		// Never started; pretend an already-finished session.
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

// Last returns the most recently fetched status snapshot.
func (p *Poller) Last() job.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Err returns the error the session ended with, if any.
func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// loop is the polling session. It owns the timer exclusively: no other
// goroutine arms or clears it. stopCh and done belong to this session;
// holding them as arguments keeps a stale loop from touching channels
// of a later session.
func (p *Poller) loop(stopCh chan struct{}, done chan struct{}) {
	defer close(done)

	retries := 0
	timer := time.NewTimer(0) // immediate first fetch
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}

		st, err := p.sg.JobStatus(context.Background(), p.id)

		// The fetch may have straddled a Stop call. A session that
		// was stopped must not act on the late response.
		select {
		case <-stopCh:
			return
		default:
		}

		if err != nil {
			if !IsTransient(err) {
				p.fail(err)
				return
			}
			retries++
			if retries >= p.MaxRetries {
				p.fail(fmt.Errorf("Giving up after %d attempts: %s", retries, err))
				return
			}
			delay := BackoffDelay(retries-1, p.BackoffBase, p.BackoffCap)
			p.Log.Printf("Transient error polling job %s (attempt %d/%d), retrying in %s: %s",
				p.id, retries, p.MaxRetries, delay, err)
			timer.Reset(delay)
			continue
		}

		retries = 0
		p.mu.Lock()
		p.last = st
		p.mu.Unlock()
		if p.OnStatus != nil {
			p.OnStatus(st)
		}

		switch st.State.Class() {
		case job.ClassTerminal:
			p.complete(st.State)
			return
		case job.ClassActive:
			timer.Reset(st.State.PollInterval())
		default:
			// Neither poll-worthy nor terminal. Stopping silently
			// here would strand the caller, so it is an error.
			p.fail(fmt.Errorf("Job %s reported unclassifiable state %q", p.id, st.State))
			return
		}
	}
}

func (p *Poller) complete(s job.State) {
	p.mu.Lock()
	p.stopLocked()
	p.mu.Unlock()

	if p.Cache != nil {
		if err := p.Cache.InvalidateDetail(p.id); err != nil {
			p.Log.Printf("Error invalidating detail cache for job %s: %s", p.id, err)
		}
	}
	if p.OnComplete != nil {
		p.OnComplete(p.id, s)
	}
}

func (p *Poller) fail(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.stopLocked()
	p.mu.Unlock()

	if p.OnError != nil {
		p.OnError(p.id, err)
	}
}

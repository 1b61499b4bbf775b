// Package stats instruments the reportd components. Metrics live in an
// expvar Map that is periodically flushed through a report function
// (typically into Redis, see storage.SetStats) and, optionally,
// mirrored to a statsd daemon.
package stats

import (
	"context"
	"expvar"
	"log"
	"net"
	"os"
	"sync"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics/statsd"
)

type Stats struct {
	*expvar.Map
	interval   time.Duration
	reportfunc func(m *expvar.Map)

	statsd     *statsd.Statsd
	statsdAddr string

	mu       sync.Mutex
	counters map[string]*statsd.Counter
}

// New initializes a Stats reporter. The report function is called with
// the backing map every interval once Run is started.
//
// Restarting a component re-registers its map; the existing one is
// reused since expvar forbids exporting a name twice.
func New(id string, interval time.Duration, report func(*expvar.Map)) *Stats {
	m, ok := expvar.Get(id).(*expvar.Map)
	if !ok {
		m = expvar.NewMap(id)
	}
	return &Stats{Map: m, interval: interval, reportfunc: report}
}

// MirrorStatsd additionally emits every Add through a statsd client
// flushed to addr (UDP). Must be called before Run.
func (s *Stats) MirrorStatsd(prefix, addr string) {
	logger := kitlog.With(kitlog.NewLogfmtLogger(os.Stderr), "component", "stats")
	s.statsd = statsd.New(prefix, logger)
	s.statsdAddr = addr
	s.counters = make(map[string]*statsd.Counter)
}

// Add adds delta to the named metric, in the expvar map and in the
// statsd mirror if one is configured.
func (s *Stats) Add(name string, delta int64) {
	s.Map.Add(name, delta)

	if s.statsd == nil {
		return
	}
	s.mu.Lock()
	c, ok := s.counters[name]
	if !ok {
		c = s.statsd.NewCounter(name, 1)
		s.counters[name] = c
	}
	s.mu.Unlock()
	c.Add(float64(delta))
}

// Run calls the report function of Stats using the specified interval
// and drives the statsd write loop if a mirror is configured.
// It shuts down when the provided context is cancelled.
func (s *Stats) Run(ctx context.Context) {
	var conn net.Conn
	if s.statsd != nil {
		var err error
		conn, err = net.Dial("udp", s.statsdAddr)
		if err != nil {
			log.Println("Could not dial statsd, mirroring disabled:", err)
			conn = nil
		} else {
			defer conn.Close()
		}
	}

	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("Stats Daemon Exiting")
			return
		case <-tick.C:
			s.reportfunc(s.Map)
			if conn != nil {
				if _, err := s.statsd.WriteTo(conn); err != nil {
					log.Println("Could not flush stats to statsd:", err)
				}
			}
		}
	}
}

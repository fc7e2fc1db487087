package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sablehq/sable/engine/catalog"
	"github.com/sablehq/sable/engine/index"
)

// schedule is a parsed 5-field cron expression (minute hour day-of-month
// month day-of-week). No full-repo dependency in this stack brings a cron
// parser; the field set collectors need is small enough that hand-rolling
// one avoids pulling in a library for five integer-set matches.
type schedule struct {
	minute, hour, dom, month, dow fieldSet
}

type fieldSet map[int]bool

func parseSchedule(expr string) (schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return schedule{}, fmt.Errorf("scheduler: expected 5 cron fields, got %d in %q", len(fields), expr)
	}
	ranges := []struct{ min, max int }{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	var s schedule
	sets := make([]fieldSet, 5)
	for i, f := range fields {
		set, err := parseField(f, ranges[i].min, ranges[i].max)
		if err != nil {
			return schedule{}, fmt.Errorf("scheduler: field %d (%q): %w", i, f, err)
		}
		sets[i] = set
	}
	s.minute, s.hour, s.dom, s.month, s.dow = sets[0], sets[1], sets[2], sets[3], sets[4]
	return s, nil
}

func parseField(f string, min, max int) (fieldSet, error) {
	set := fieldSet{}
	if f == "*" {
		for i := min; i <= max; i++ {
			set[i] = true
		}
		return set, nil
	}
	for _, part := range strings.Split(f, ",") {
		step := 1
		rangePart := part
		if idx := strings.Index(part, "/"); idx >= 0 {
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil {
				return nil, err
			}
			step = n
			rangePart = part[:idx]
		}
		lo, hi := min, max
		if rangePart != "*" {
			if idx := strings.Index(rangePart, "-"); idx >= 0 {
				a, err := strconv.Atoi(rangePart[:idx])
				if err != nil {
					return nil, err
				}
				b, err := strconv.Atoi(rangePart[idx+1:])
				if err != nil {
					return nil, err
				}
				lo, hi = a, b
			} else {
				n, err := strconv.Atoi(rangePart)
				if err != nil {
					return nil, err
				}
				lo, hi = n, n
			}
		}
		for i := lo; i <= hi; i += step {
			set[i] = true
		}
	}
	return set, nil
}

func (s schedule) matches(t time.Time) bool {
	return s.minute[t.Minute()] && s.hour[t.Hour()] && s.dom[t.Day()] && s.month[int(t.Month())] && s.dow[int(t.Weekday())]
}

// scheduledCollector pairs a Collector with its parsed schedule.
type scheduledCollector struct {
	collector Collector
	sched     schedule
	expr      string
}

// Scheduler runs registered collectors on their configured cron schedules
// and triggers an index sync after each collection round. At most one run
// per source is in flight at any time; a trigger landing while the
// previous run is still going is dropped with a log line.
type Scheduler struct {
	mu       sync.Mutex
	entries  []scheduledCollector
	cat      *catalog.Catalog
	syncer   *index.Syncer
	log      *slog.Logger
	lastRun  map[string]time.Time
	inFlight map[string]bool
	wg       sync.WaitGroup
}

// NewScheduler constructs a Scheduler bound to cat and syncer.
func NewScheduler(cat *catalog.Catalog, syncer *index.Syncer, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cat:      cat,
		syncer:   syncer,
		log:      log,
		lastRun:  make(map[string]time.Time),
		inFlight: make(map[string]bool),
	}
}

// Register adds a collector on a 5-field cron schedule. Reload semantics:
// calling Register again with the same collector name replaces its entry,
// which is how POST /ingest/reload-schedules takes effect.
func (s *Scheduler) Register(c Collector, cronExpr string) error {
	sched, err := parseSchedule(cronExpr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.collector.Name() == c.Name() {
			s.entries[i] = scheduledCollector{collector: c, sched: sched, expr: cronExpr}
			return nil
		}
	}
	s.entries = append(s.entries, scheduledCollector{collector: c, sched: sched, expr: cronExpr})
	return nil
}

// Reload clears all registered entries so the caller can re-Register a
// freshly loaded configuration — the effect of the reload-schedules
// endpoint.
func (s *Scheduler) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// Run blocks, ticking once a minute and firing any collector whose
// schedule matches the current minute, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(ctx, now.Truncate(time.Minute))
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]scheduledCollector, 0)
	for _, e := range s.entries {
		name := e.collector.Name()
		if !e.sched.matches(now) || s.lastRun[name] == now {
			continue
		}
		if s.inFlight[name] {
			s.log.Warn("ingest: previous run still in flight, dropping trigger", "collector", name)
			continue
		}
		s.inFlight[name] = true
		s.lastRun[name] = now
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.wg.Add(1)
		go func(e scheduledCollector) {
			defer s.wg.Done()
			name := e.collector.Name()
			defer func() {
				s.mu.Lock()
				delete(s.inFlight, name)
				s.mu.Unlock()
			}()

			if err := e.collector.Collect(ctx, s.cat); err != nil {
				s.log.Error("ingest: collector failed", "collector", name, "error", err)
				return
			}
			s.log.Info("ingest: collector completed", "collector", name)

			if err := s.cat.Flush(); err != nil {
				s.log.Error("ingest: catalog flush failed", "collector", name, "error", err)
				return
			}
			if s.syncer != nil {
				if err := s.syncer.Sync(ctx, s.cat.Snapshot()); err != nil {
					s.log.Error("ingest: sync failed", "collector", name, "error", err)
				}
			}
		}(e)
	}
}

// Wait blocks until every in-flight collector run has finished. Used for
// orderly shutdown and by tests.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Status reports which collectors are registered and when they last ran,
// for GET /ingestion/status.
func (s *Scheduler) Status() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for _, e := range s.entries {
		name := e.collector.Name()
		switch {
		case s.inFlight[name]:
			out[name] = "running"
		case s.lastRun[name].IsZero():
			out[name] = "never run, schedule " + e.expr
		default:
			out[name] = "last run " + s.lastRun[name].Format(time.RFC3339)
		}
	}
	return out
}

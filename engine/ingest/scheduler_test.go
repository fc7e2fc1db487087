package ingest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sablehq/sable/engine/catalog"
)

func TestParseScheduleEveryMinute(t *testing.T) {
	s, err := parseSchedule("* * * * *")
	if err != nil {
		t.Fatalf("parseSchedule: %v", err)
	}
	if !s.matches(time.Date(2026, 3, 5, 14, 37, 0, 0, time.UTC)) {
		t.Fatalf("expected every-minute schedule to match any time")
	}
}

func TestParseScheduleHourly(t *testing.T) {
	s, err := parseSchedule("0 * * * *")
	if err != nil {
		t.Fatalf("parseSchedule: %v", err)
	}
	if !s.matches(time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected match at minute 0")
	}
	if s.matches(time.Date(2026, 3, 5, 14, 1, 0, 0, time.UTC)) {
		t.Fatalf("expected no match at minute 1")
	}
}

func TestParseScheduleRangeAndStep(t *testing.T) {
	s, err := parseSchedule("*/15 9-17 * * 1-5")
	if err != nil {
		t.Fatalf("parseSchedule: %v", err)
	}
	// Wednesday 2026-03-04 at 10:15 falls within 9-17 weekday hours.
	if !s.matches(time.Date(2026, 3, 4, 10, 15, 0, 0, time.UTC)) {
		t.Fatalf("expected match within business hours on a weekday")
	}
	// Saturday is excluded by the 1-5 day-of-week field.
	if s.matches(time.Date(2026, 3, 7, 10, 15, 0, 0, time.UTC)) {
		t.Fatalf("expected no match on a weekend")
	}
}

func TestParseScheduleRejectsWrongFieldCount(t *testing.T) {
	if _, err := parseSchedule("* * *"); err == nil {
		t.Fatalf("expected error for malformed cron expression")
	}
}

type fakeCollector struct {
	name  string
	runs  atomic.Int64
	block chan struct{} // when non-nil, Collect blocks until closed
}

func (f *fakeCollector) Name() string { return f.name }
func (f *fakeCollector) Collect(ctx context.Context, cat *catalog.Catalog) error {
	f.runs.Add(1)
	if f.block != nil {
		<-f.block
	}
	return nil
}

func TestSchedulerTickFiresDueCollectorsOnce(t *testing.T) {
	cat, err := catalog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := NewScheduler(cat, nil, nil)
	c := &fakeCollector{name: "test-source"}
	if err := s.Register(c, "* * * * *"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	now := time.Date(2026, 3, 5, 14, 37, 0, 0, time.UTC)
	s.tick(context.Background(), now)
	s.tick(context.Background(), now) // same minute: must not double-fire
	s.Wait()

	if got := c.runs.Load(); got != 1 {
		t.Fatalf("collector ran %d times, want 1", got)
	}

	status := s.Status()
	if _, ok := status["test-source"]; !ok {
		t.Fatalf("Status() missing entry for registered collector: %+v", status)
	}
}

func TestSchedulerDropsOverlappingTrigger(t *testing.T) {
	cat, err := catalog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := NewScheduler(cat, nil, nil)
	c := &fakeCollector{name: "slow-source", block: make(chan struct{})}
	if err := s.Register(c, "* * * * *"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	first := time.Date(2026, 3, 5, 14, 37, 0, 0, time.UTC)
	s.tick(context.Background(), first)

	// Wait until the run is actually in flight before triggering again.
	deadline := time.After(time.Second)
	for c.runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("collector never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	s.tick(context.Background(), first.Add(time.Minute)) // must be dropped
	close(c.block)
	s.Wait()

	if got := c.runs.Load(); got != 1 {
		t.Fatalf("collector ran %d times, want 1 (overlap must be dropped)", got)
	}
}

func TestSchedulerReloadClearsEntries(t *testing.T) {
	cat, err := catalog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := NewScheduler(cat, nil, nil)
	s.Register(&fakeCollector{name: "a"}, "* * * * *")
	s.Reload()
	if len(s.Status()) != 0 {
		t.Fatalf("expected no entries after Reload, got %+v", s.Status())
	}
}

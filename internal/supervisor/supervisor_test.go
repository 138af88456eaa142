package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Averden/uploadmatrix/internal/types"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *alertSink) record(a Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *alertSink) byReason(r AlertReason) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if a.Reason == r {
			n++
		}
	}
	return n
}

func testMonitor(settings Settings) (*Monitor, *alertSink, *time.Time) {
	sink := &alertSink{}
	m := NewMonitor(settings, sink.record)
	now := time.Now()
	m.now = func() time.Time { return now }
	return m, sink, &now
}

func netErr() error {
	return types.NewUploadError(types.CategoryNetwork, "", "timeout", true, errors.New("timeout"))
}

func resourceErr() error {
	return types.NewUploadError(types.CategoryResource, "", "disk full", false, errors.New("disk full"))
}

func TestConsecutiveFailuresAlert(t *testing.T) {
	m, sink, _ := testMonitor(Settings{ConsecutiveThreshold: 3, MinVolume: 100})

	m.RecordError(netErr())
	m.RecordError(netErr())
	if sink.byReason(ReasonConsecutive) != 0 {
		t.Fatal("alert fired below threshold")
	}
	m.RecordError(netErr())
	if sink.byReason(ReasonConsecutive) != 1 {
		t.Errorf("expected one consecutive alert, got %d", sink.byReason(ReasonConsecutive))
	}
}

func TestSuccessResetsConsecutiveRun(t *testing.T) {
	m, sink, _ := testMonitor(Settings{ConsecutiveThreshold: 3, MinVolume: 100})

	m.RecordError(netErr())
	m.RecordError(netErr())
	m.RecordSuccess()
	m.RecordError(netErr())
	m.RecordError(netErr())
	if sink.byReason(ReasonConsecutive) != 0 {
		t.Error("success did not reset the run")
	}
}

func TestErrorRateAlertNeedsVolume(t *testing.T) {
	m, sink, _ := testMonitor(Settings{ErrorRate: 0.5, MinVolume: 10, ConsecutiveThreshold: 100})

	for i := 0; i < 9; i++ {
		m.RecordError(netErr())
	}
	if sink.byReason(ReasonErrorRate) != 0 {
		t.Fatal("rate alert fired below minimum volume")
	}
	m.RecordError(netErr())
	if sink.byReason(ReasonErrorRate) != 1 {
		t.Errorf("expected rate alert at volume, got %d", sink.byReason(ReasonErrorRate))
	}
}

func TestRepeatAlertsSuppressedWithinWindow(t *testing.T) {
	m, sink, now := testMonitor(Settings{ConsecutiveThreshold: 2, Window: time.Minute, MinVolume: 100})

	m.RecordError(netErr())
	m.RecordError(netErr())
	m.RecordError(netErr())
	m.RecordError(netErr())
	if got := sink.byReason(ReasonConsecutive); got != 1 {
		t.Fatalf("expected suppression, got %d alerts", got)
	}

	*now = now.Add(2 * time.Minute)
	m.RecordError(netErr())
	if got := sink.byReason(ReasonConsecutive); got != 2 {
		t.Errorf("expected re-alert after window, got %d", got)
	}
}

func TestCriticalErrorsAlert(t *testing.T) {
	m, sink, _ := testMonitor(Settings{CriticalThreshold: 2, ConsecutiveThreshold: 100, MinVolume: 100})

	m.RecordError(netErr())
	m.RecordError(resourceErr())
	if sink.byReason(ReasonCritical) != 0 {
		t.Fatal("critical alert fired early")
	}
	m.RecordError(resourceErr())
	if sink.byReason(ReasonCritical) != 1 {
		t.Errorf("expected critical alert, got %d", sink.byReason(ReasonCritical))
	}
}

func TestWindowExpiryClearsRate(t *testing.T) {
	m, sink, now := testMonitor(Settings{ErrorRate: 0.5, MinVolume: 4, Window: time.Minute, ConsecutiveThreshold: 100})

	for i := 0; i < 4; i++ {
		m.RecordError(netErr())
	}
	if sink.byReason(ReasonErrorRate) != 1 {
		t.Fatal("expected initial rate alert")
	}

	// Old failures age out; fresh successes keep the rate down.
	*now = now.Add(2 * time.Minute)
	for i := 0; i < 4; i++ {
		m.RecordSuccess()
	}
	m.RecordError(netErr())
	if got := sink.byReason(ReasonErrorRate); got != 1 {
		t.Errorf("stale window still alerting: %d", got)
	}
}

func TestCountsAccumulateByCategory(t *testing.T) {
	m, _, _ := testMonitor(Settings{})

	m.RecordError(netErr())
	m.RecordError(netErr())
	m.RecordError(resourceErr())

	counts := m.Counts()
	if counts[types.CategoryNetwork] != 2 || counts[types.CategoryResource] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestUncaughtRequestsShutdown(t *testing.T) {
	s := New(Settings{}, time.Second)

	s.Monitor.Uncaught(errors.New("nil map write"))

	select {
	case <-s.ShutdownRequested():
	default:
		t.Error("uncaught error did not request shutdown")
	}
}

func TestShutdownDrainsCleanly(t *testing.T) {
	s := New(Settings{}, time.Second)

	claimCtx, stopClaims := context.WithCancel(context.Background())
	_, stopWork := context.WithCancel(context.Background())
	drained := make(chan struct{})
	s.Bind(stopClaims, stopWork, drained)

	go func() {
		<-claimCtx.Done() // workers stop claiming, finish current job
		close(drained)
	}()

	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("clean drain reported error: %v", err)
	}
}

func TestShutdownForcesAfterTimeout(t *testing.T) {
	s := New(Settings{}, 50*time.Millisecond)

	_, stopClaims := context.WithCancel(context.Background())
	workCtx, stopWork := context.WithCancel(context.Background())
	drained := make(chan struct{})
	s.Bind(stopClaims, stopWork, drained)

	// Workers only exit on the hard cancel.
	go func() {
		<-workCtx.Done()
		close(drained)
	}()

	if err := s.Shutdown(context.Background()); err == nil {
		t.Error("forced shutdown should report an error")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	s := New(Settings{}, time.Second)
	s.RequestShutdown()
	s.RequestShutdown()
	select {
	case <-s.ShutdownRequested():
	default:
		t.Error("shutdown channel not closed")
	}
}

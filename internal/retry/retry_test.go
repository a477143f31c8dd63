package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/johndauphine/dbschema/internal/database/dbtest"
	"github.com/johndauphine/dbschema/internal/dberr"
)

// fakeTimer fires immediately and advances a fake clock by each duration.
type fakeTimer struct {
	c      chan time.Time
	now    time.Time
	sleeps []time.Duration
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{c: make(chan time.Time, 1), now: time.Unix(1000, 0)}
}

func (t *fakeTimer) Start(d time.Duration) {
	t.sleeps = append(t.sleeps, d)
	t.now = t.now.Add(d)
	t.c <- t.now
}
func (t *fakeTimer) Stop()               {}
func (t *fakeTimer) C() <-chan time.Time { return t.c }
func (t *fakeTimer) Now() time.Time      { return t.now }

func maxRand(n int64) int64 { return n - 1 }
func minRand(n int64) int64 { return 0 }

var deadlock = dbtest.PgError("40P01", "deadlock detected")

func failing(n int, err error, calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		if *calls <= n {
			return err
		}
		return nil
	}
}

func TestRunExhaustsAttempts(t *testing.T) {
	timer := newFakeTimer()
	calls := 0
	opts := Options{
		Attempts: 3, Initial: 25 * time.Millisecond, Factor: 2, Max: time.Second,
		Jitter: JitterFull, Timer: timer, Rand: maxRand, Now: timer.Now,
	}

	err := Run(context.Background(), failing(10, deadlock, &calls), opts)
	if err != error(deadlock) {
		t.Fatalf("Run error = %v, want the original error unchanged", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	want := []time.Duration{25 * time.Millisecond, 50 * time.Millisecond}
	if fmt.Sprint(timer.sleeps) != fmt.Sprint(want) {
		t.Errorf("sleeps = %v, want %v", timer.sleeps, want)
	}
	for _, s := range timer.sleeps {
		if s > time.Second {
			t.Errorf("sleep %v exceeds max delay", s)
		}
	}
}

func TestRunSucceedsAfterTransient(t *testing.T) {
	timer := newFakeTimer()
	calls := 0
	var hooks []int
	opts := Default()
	opts.Timer, opts.Rand, opts.Now = timer, minRand, timer.Now
	opts.OnRetry = func(attempt int, err error, sleep time.Duration, c Classification) {
		hooks = append(hooks, attempt)
		if c.Reason != "sqlstate:40P01" {
			t.Errorf("OnRetry reason = %q", c.Reason)
		}
	}

	if err := Run(context.Background(), failing(2, deadlock, &calls), opts); err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if fmt.Sprint(hooks) != "[1 2]" {
		t.Errorf("OnRetry attempts = %v, want [1 2]", hooks)
	}
	for _, s := range timer.sleeps {
		if s < time.Millisecond {
			t.Errorf("sleep %v below the 1ms floor", s)
		}
	}
}

func TestRunNonTransient(t *testing.T) {
	timer := newFakeTimer()
	calls := 0
	fatal := dbtest.PgError("42601", "syntax error")
	err := Run(context.Background(), failing(5, fatal, &calls), Options{Attempts: 5, Timer: timer})
	if err != error(fatal) {
		t.Fatalf("Run error = %v, want %v", err, fatal)
	}
	if calls != 1 || len(timer.sleeps) != 0 {
		t.Errorf("calls = %d sleeps = %v, want one call and no sleep", calls, timer.sleeps)
	}
}

func TestJitterStrategies(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		name    string
		jitter  Jitter
		initial time.Duration
		rnd     func(int64) int64
		want    []time.Duration
	}{
		{"none capped", JitterNone, 600 * ms, maxRand, []time.Duration{600 * ms, 1000 * ms, 1000 * ms}},
		{"equal low", JitterEqual, 40 * ms, minRand, []time.Duration{20 * ms, 20 * ms, 20 * ms}},
		{"decorrelated high", JitterDecorrelated, 50 * ms, maxRand, []time.Duration{150 * ms, 900 * ms, 1000 * ms}},
		{"full low floors at 1ms", JitterFull, 25 * ms, minRand, []time.Duration{1 * ms, 1 * ms, 1 * ms}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timer := newFakeTimer()
			calls := 0
			opts := Options{
				Attempts: 4, Initial: tt.initial, Factor: 2, Max: time.Second,
				Jitter: tt.jitter, Timer: timer, Rand: tt.rnd, Now: timer.Now,
			}
			_ = Run(context.Background(), failing(10, deadlock, &calls), opts)
			if fmt.Sprint(timer.sleeps) != fmt.Sprint(tt.want) {
				t.Errorf("sleeps = %v, want %v", timer.sleeps, tt.want)
			}
		})
	}
}

func TestRunDeadlineClipsSleep(t *testing.T) {
	timer := newFakeTimer()
	calls := 0
	opts := Options{
		Attempts: 10, Initial: 25 * time.Millisecond, Factor: 2, Max: time.Second,
		Jitter: JitterNone, Deadline: 30 * time.Millisecond, Timer: timer, Now: timer.Now,
	}
	err := Run(context.Background(), failing(10, deadlock, &calls), opts)
	if err != error(deadlock) {
		t.Fatalf("Run error = %v, want original error", err)
	}
	want := []time.Duration{25 * time.Millisecond, 5 * time.Millisecond}
	if fmt.Sprint(timer.sleeps) != fmt.Sprint(want) {
		t.Errorf("sleeps = %v, want %v", timer.sleeps, want)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Run(ctx, failing(1, deadlock, &calls), Default())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestCustomClassifierOption(t *testing.T) {
	timer := newFakeTimer()
	busy := errors.New("lock busy")
	calls := 0
	opts := Options{
		Attempts: 3, Timer: timer, Now: timer.Now,
		Classifier: func(err error) (Classification, bool) {
			if err.Error() == "lock busy" {
				return Classification{Transient: true, Reason: "lock_busy"}, true
			}
			return Classification{}, false
		},
	}
	if err := Run(context.Background(), failing(2, busy, &calls), opts); err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		reason    string
	}{
		{"pg deadlock", dbtest.PgError("40P01", "deadlock detected"), true, "sqlstate:40P01"},
		{"pg serialization", dbtest.PgError("40001", "could not serialize access"), true, "sqlstate:40001"},
		{"pg duplicate table", dbtest.PgError("42P07", "relation exists"), false, "non_transient"},
		{"mysql deadlock", dbtest.MySQLError(1213, "40001", "Deadlock found"), true, "sqlstate:40001"},
		{"mysql lock wait", dbtest.MySQLError(1205, "HY000", "Lock wait timeout exceeded"), true, "mysql:1205"},
		{"mysql gone away", dbtest.MySQLError(2006, "", "MySQL server has gone away"), true, "mysql:2006"},
		{"odbc timeout", &dberr.Error{SQLState: "HYT00", Message: "query timed out"}, true, "sqlstate:HYT00"},
		{"hy000 timeout", &dberr.Error{SQLState: "HY000", Message: "read timeout"}, true, "sqlstate:HY000"},
		{"hy000 generic", &dberr.Error{SQLState: "HY000", Message: "general error"}, false, "non_transient"},
		{"message only", errors.New("dial tcp: connection refused"), true, "msg:connection refused"},
		{"wrapped", fmt.Errorf("exec: %w", dbtest.PgError("57014", "canceling statement due to statement timeout")), true, "sqlstate:57014"},
		{"plain", errors.New("boom"), false, "non_transient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Transient != tt.transient || got.Reason != tt.reason {
				t.Errorf("Classify() = %+v, want transient=%v reason=%q", got, tt.transient, tt.reason)
			}
		})
	}
}

func TestRegisterClassifier(t *testing.T) {
	defer ResetClassifiers()
	RegisterClassifier(func(err error) (Classification, bool) {
		if err.Error() == "flaky" {
			return Classification{Transient: true, Reason: "custom"}, true
		}
		return Classification{}, false
	})
	if c := Classify(errors.New("flaky")); !c.Transient || c.Reason != "custom" {
		t.Errorf("Classify(flaky) = %+v", c)
	}
	if c := Classify(errors.New("solid")); c.Transient {
		t.Errorf("Classify(solid) = %+v, want non-transient", c)
	}
}

func TestParseJitter(t *testing.T) {
	if ParseJitter("Decorrelated") != JitterDecorrelated || ParseJitter("bogus") != JitterFull {
		t.Error("ParseJitter mapping is wrong")
	}
}

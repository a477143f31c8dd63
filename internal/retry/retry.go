// Package retry classifies database errors as transient and re-runs
// operations that fail transiently, with exponential backoff and jitter.
// The retry loop itself is github.com/cenkalti/backoff/v4; this package
// supplies the BackOff policy and the error classification.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johndauphine/dbschema/internal/dberr"
)

// Jitter selects how a computed delay is randomised.
type Jitter string

const (
	JitterNone         Jitter = "none"
	JitterEqual        Jitter = "equal"
	JitterFull         Jitter = "full"
	JitterDecorrelated Jitter = "decorrelated"
)

// ParseJitter accepts the jitter names, case-insensitively. Unknown names
// yield JitterFull.
func ParseJitter(s string) Jitter {
	switch j := Jitter(strings.ToLower(strings.TrimSpace(s))); j {
	case JitterNone, JitterEqual, JitterDecorrelated:
		return j
	}
	return JitterFull
}

// Classification is the verdict on one error.
type Classification struct {
	Transient bool
	Reason    string
	SQLState  string
	Code      int
}

// Classifier inspects err and reports a verdict. ok=false defers to the
// next classifier.
type Classifier func(err error) (c Classification, ok bool)

var (
	classifiersMu sync.RWMutex
	classifiers   []Classifier
)

// RegisterClassifier adds a classifier consulted before the built-in tables.
func RegisterClassifier(c Classifier) {
	classifiersMu.Lock()
	defer classifiersMu.Unlock()
	classifiers = append(classifiers, c)
}

// ResetClassifiers removes every registered classifier.
func ResetClassifiers() {
	classifiersMu.Lock()
	defer classifiersMu.Unlock()
	classifiers = nil
}

var (
	pgTransient = map[string]bool{
		"40001": true, // serialization_failure
		"40P01": true, // deadlock_detected
		"55P03": true, // lock_not_available
		"57014": true, // query_canceled
		"53300": true, // too_many_connections
		"08000": true,
		"08001": true,
		"08003": true,
		"08004": true,
		"08006": true,
		"57P01": true, // admin_shutdown
	}
	mysqlTransient = map[int]bool{
		1213: true, // ER_LOCK_DEADLOCK
		1205: true, // ER_LOCK_WAIT_TIMEOUT
		1040: true, // ER_CON_COUNT_ERROR
		2006: true, // CR_SERVER_GONE_ERROR
		2013: true, // CR_SERVER_LOST
		1047: true, // ER_UNKNOWN_COM_ERROR
		1042: true, // ER_BAD_HOST_ERROR
	}
	needles = []string{
		"deadlock found",
		"lock wait timeout",
		"too many connections",
		"could not serialize access",
		"could not obtain lock",
		"connection reset by peer",
		"server has gone away",
		"lost connection to mysql server",
		"connection refused",
		"timeout expired",
		"canceling statement due to statement timeout",
	}
)

// Classify runs the registered classifiers, then the SQLSTATE and vendor
// code tables, then message matching.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Reason: "no_error"}
	}
	info := dberr.Inspect(err)

	classifiersMu.RLock()
	custom := append([]Classifier(nil), classifiers...)
	classifiersMu.RUnlock()
	for _, fn := range custom {
		if c, ok := fn(err); ok {
			return fill(c, info)
		}
	}
	return builtin(err, info)
}

func builtin(err error, info dberr.Info) Classification {
	state := strings.ToUpper(info.SQLState)
	c := Classification{SQLState: state, Code: info.Code}

	if pgTransient[state] {
		c.Transient, c.Reason = true, "sqlstate:"+state
		return c
	}
	if mysqlTransient[info.Code] {
		c.Transient, c.Reason = true, fmt.Sprintf("mysql:%d", info.Code)
		return c
	}
	msg := dberr.Text(err)
	if state == "HYT00" || state == "S1T00" || state == "HY000" && strings.Contains(msg, "timeout") {
		c.Transient, c.Reason = true, "sqlstate:"+state
		return c
	}
	for _, n := range needles {
		if strings.Contains(msg, n) {
			c.Transient, c.Reason = true, "msg:"+n
			return c
		}
	}
	c.Reason = "non_transient"
	return c
}

func fill(c Classification, info dberr.Info) Classification {
	if c.SQLState == "" {
		c.SQLState = info.SQLState
	}
	if c.Code == 0 {
		c.Code = info.Code
	}
	return c
}

// IsTransient reports whether err looks transient.
func IsTransient(err error) bool {
	return Classify(err).Transient
}

// Options configures Run. Zero values fall back to Default().
type Options struct {
	Attempts int
	Initial  time.Duration
	Factor   float64
	Max      time.Duration
	Jitter   Jitter
	// Deadline bounds the total time spent, measured from the first attempt.
	Deadline time.Duration

	// Classifier, when set, is consulted before Classify.
	Classifier Classifier
	// OnRetry is called before each sleep.
	OnRetry func(attempt int, err error, sleep time.Duration, c Classification)

	// Timer, Rand and Now are replaceable for tests. Rand returns a value
	// in [0, n).
	Timer backoff.Timer
	Rand  func(n int64) int64
	Now   func() time.Time
}

// Default mirrors the general-purpose policy: 3 attempts, 25ms initial
// delay doubling up to 1s, full jitter.
func Default() Options {
	return Options{Attempts: 3, Initial: 25 * time.Millisecond, Factor: 2, Max: time.Second, Jitter: JitterFull}
}

func (o Options) normalized() Options {
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Initial < 0 {
		o.Initial = 0
	}
	if o.Factor <= 1 {
		o.Factor = 2
	}
	if o.Max <= 0 {
		o.Max = time.Second
	}
	if o.Jitter == "" {
		o.Jitter = JitterFull
	}
	if o.Rand == nil {
		o.Rand = rand.Int64N
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Run calls fn until it succeeds, returns a non-transient error, or the
// attempt budget is spent. The error fn returned last is returned
// unchanged; context cancellation returns ctx.Err().
func Run(ctx context.Context, fn func(ctx context.Context) error, opts Options) error {
	opts = opts.normalized()
	policy := newPolicy(opts)

	attempt := 0
	var last Classification
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		c := classify(err, opts.Classifier)
		if !c.Transient || attempt >= opts.Attempts {
			return backoff.Permanent(err)
		}
		last = c
		return err
	}
	notify := func(err error, sleep time.Duration) {
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, sleep, last)
		}
	}
	return backoff.RetryNotifyWithTimer(op, backoff.WithContext(policy, ctx), notify, opts.Timer)
}

func classify(err error, custom Classifier) Classification {
	if custom != nil {
		if c, ok := custom(err); ok {
			return fill(c, dberr.Inspect(err))
		}
	}
	return Classify(err)
}

// policy is a backoff.BackOff producing jittered exponential delays where
// each base is the previous sleep times the factor.
type policy struct {
	opts     Options
	base     time.Duration
	deadline time.Time
}

func newPolicy(opts Options) *policy {
	return &policy{opts: opts}
}

func (p *policy) Reset() {
	p.base = p.opts.Initial
	p.deadline = time.Time{}
	if p.opts.Deadline > 0 {
		p.deadline = p.opts.Now().Add(p.opts.Deadline)
	}
}

func (p *policy) NextBackOff() time.Duration {
	sleep := p.jitter(max(p.base, time.Millisecond))
	sleep = min(max(sleep, time.Millisecond), p.opts.Max)

	if !p.deadline.IsZero() {
		remaining := p.deadline.Sub(p.opts.Now())
		if remaining <= 0 {
			return backoff.Stop
		}
		sleep = min(sleep, remaining)
	}
	p.base = time.Duration(float64(sleep) * p.opts.Factor)
	return sleep
}

func (p *policy) jitter(delay time.Duration) time.Duration {
	switch p.opts.Jitter {
	case JitterNone:
		return delay
	case JitterEqual:
		half := max(delay/2, time.Millisecond)
		return half + p.between(0, half)
	case JitterDecorrelated:
		return p.between(delay, min(3*delay, p.opts.Max))
	default:
		return p.between(0, delay)
	}
}

// between returns a uniform duration in [lo, hi]; hi below lo yields lo.
func (p *policy) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(p.opts.Rand(int64(hi-lo)+1))
}

// Package circuitbreaker guards a single remote endpoint. After a run of
// consecutive faults it refuses calls for a cooldown, then lets one trial
// call through; the trial's outcome closes or reopens the circuit.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while the circuit refuses calls.
var ErrOpen = errors.New("circuit open")

// State is the circuit position.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open" // one trial call in flight
)

var (
	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Name:      "provider_circuit_open",
		Help:      "1 while calls to the endpoint are refused or on trial, 0 when closed.",
	}, []string{"endpoint"})
	rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "provider_circuit_rejected_total",
		Help:      "Calls refused without reaching the endpoint.",
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(stateGauge, rejected)
}

// Breaker counts consecutive faults against one endpoint.
type Breaker struct {
	endpoint  string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    State
	faults   int
	openedAt time.Time
}

// New creates a closed breaker for endpoint that opens after threshold
// consecutive faults and stays open for cooldown.
func New(endpoint string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	stateGauge.WithLabelValues(endpoint).Set(0)
	return &Breaker{
		endpoint:  endpoint,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     Closed,
	}
}

// WithClock overrides the breaker clock. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// Endpoint returns the label the breaker reports under.
func (b *Breaker) Endpoint() string { return b.endpoint }

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs call unless the circuit is open, in which case it returns ErrOpen.
// fault decides whether call's error is the endpoint's fault; a nil fault
// counts every error.
func (b *Breaker) Do(call func() error, fault func(error) bool) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := call()
	b.settle(err != nil && (fault == nil || fault(err)))
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.set(HalfOpen)
			return nil
		}
	case HalfOpen:
	default:
		return nil
	}
	rejected.WithLabelValues(b.endpoint).Inc()
	return ErrOpen
}

func (b *Breaker) settle(faulted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !faulted {
		b.faults = 0
		b.set(Closed)
		return
	}
	b.faults++
	if b.state == HalfOpen || b.faults >= b.threshold {
		b.openedAt = b.now()
		b.set(Open)
	}
}

// caller holds b.mu
func (b *Breaker) set(s State) {
	b.state = s
	v := 1.0
	if s == Closed {
		v = 0
	}
	stateGauge.WithLabelValues(b.endpoint).Set(v)
}

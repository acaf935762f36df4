// Package circuit implements the CircuitBreaker entity from spec.md §4.6
// on top of github.com/sony/gobreaker/v2, the way omeyang-XKit's
// pkg/resilience/xbreaker wraps gobreaker's TwoStepCircuitBreaker for
// manual success/failure reporting. Trip policies mirror xbreaker's
// ConsecutiveFailuresPolicy and FailureRatioPolicy, translated into
// gobreaker's ReadyToTrip callback.
package circuit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"github.com/wisbric/platform/internal/collab"
)

// State mirrors gobreaker's three-value state machine.
type State string

const (
	Closed   State = "Closed"
	Open     State = "Open"
	HalfOpen State = "HalfOpen"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// Policy is a trip-condition value, one of Consecutive or Sampling per
// spec.md §4.6.
type Policy interface {
	readyToTrip(counts gobreaker.Counts) bool
	describe() string
}

// Consecutive trips after threshold consecutive failures in Closed.
type Consecutive struct {
	Threshold uint32
}

func (p Consecutive) readyToTrip(counts gobreaker.Counts) bool {
	return counts.ConsecutiveFailures >= p.Threshold
}

func (p Consecutive) describe() string { return "consecutive" }

// minSamplingRequests is the minimum sample count §4.6 requires before a
// Sampling policy may trip ("implementation choice ≥ 10").
const minSamplingRequests = 10

// Sampling trips when the failure rate over the trailing window meets or
// exceeds rate, provided at least minSamplingRequests were observed.
// Window is realized via gobreaker's Settings.Interval, which clears
// counts on a fixed cadence — documented in DESIGN.md as the chosen
// approximation of a trailing window.
type Sampling struct {
	Rate   float64
	Window time.Duration
}

func (p Sampling) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < minSamplingRequests {
		return false
	}
	failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
	return failureRatio >= p.Rate
}

func (p Sampling) describe() string { return "sampling" }

// Settings configures a Breaker.
type Settings struct {
	Name          string
	Policy        Policy
	HalfOpenAfter time.Duration // Open -> HalfOpen cooldown; 0 -> 60s
	MaxRequests   uint32        // concurrent probes admitted in HalfOpen; 0 -> 1
	Persist       bool
	Metrics       bool
}

// record is the persisted transition snapshot written to
// "breaker:<name>" when Settings.Persist is true.
type record struct {
	State        State     `json:"state"`
	OpenedAt     time.Time `json:"openedAt"`
	FailureCount uint32    `json:"failureCount"`
}

// Breaker is the CircuitBreaker entity: a named, optionally-persisted,
// optionally-instrumented wrapper over a gobreaker TwoStepCircuitBreaker.
type Breaker struct {
	name     string
	settings Settings
	kv       collab.KVStore
	cb       *gobreaker.TwoStepCircuitBreaker[any]
	log      *slog.Logger

	// tripFailures is the failure count ReadyToTrip last saw. gobreaker
	// calls ReadyToTrip and OnStateChange under its own lock, so reads and
	// writes are serialized there.
	tripFailures uint32
}

// NewBreaker constructs a Breaker. When Settings.Persist is true it reads
// the persisted record from kv and logs it; the loaded state is not
// applied, so the breaker always starts Closed. A read failure never
// prevents construction.
func NewBreaker(ctx context.Context, settings Settings, kv collab.KVStore, log *slog.Logger) *Breaker {
	if settings.HalfOpenAfter <= 0 {
		settings.HalfOpenAfter = 60 * time.Second
	}
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 1
	}
	if log == nil {
		log = slog.Default()
	}

	b := &Breaker{name: settings.Name, settings: settings, kv: kv, log: log}

	gbSettings := gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.MaxRequests,
		Timeout:     settings.HalfOpenAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			b.tripFailures = counts.TotalFailures
			if settings.Policy == nil {
				return Consecutive{Threshold: 5}.readyToTrip(counts)
			}
			return settings.Policy.readyToTrip(counts)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onTransition(ctx, fromGobreaker(from), fromGobreaker(to))
		},
	}
	if sampling, ok := settings.Policy.(Sampling); ok && sampling.Window > 0 {
		gbSettings.Interval = sampling.Window
	}

	b.cb = gobreaker.NewTwoStepCircuitBreaker[any](gbSettings)

	if settings.Persist && kv != nil {
		if rec, ok := b.load(ctx); ok {
			log.Debug("circuit breaker read persisted state", "name", settings.Name, "state", rec.State)
		}
	}

	return b
}

func (b *Breaker) load(ctx context.Context) (record, bool) {
	raw, found, err := b.kv.Get(ctx, "breaker:"+b.name)
	if err != nil || !found {
		return record{}, false
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, false
	}
	return rec, true
}

func (b *Breaker) onTransition(ctx context.Context, from, to State) {
	if b.settings.Metrics {
		stateGauge.WithLabelValues(b.name).Set(stateValue(to))
		transitionsTotal.WithLabelValues(b.name, string(from), string(to)).Inc()
	}

	if b.settings.Persist && b.kv != nil {
		rec := record{State: to}
		if to == Open {
			rec.OpenedAt = time.Now()
			if from == Closed {
				rec.FailureCount = b.tripFailures
			}
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return
		}
		if err := b.kv.Set(ctx, "breaker:"+b.name, raw); err != nil {
			b.log.Warn("circuit breaker persistence failed", "name", b.name, "error", err)
		}
	}
}

func stateValue(s State) float64 {
	switch s {
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return 0
	}
}

// ErrBreakerOpen is returned (wrapped) by Allow when no call may proceed.
var ErrBreakerOpen = errors.New("circuit: breaker is open")

// Allow implements internal/resilience.Breaker: a single in-flight probe
// is admitted in HalfOpen; a successful probe transitions to Closed, a
// failed probe back to Open; Open rejects without invoking the effect.
func (b *Breaker) Allow() (done func(success bool), err error) {
	step, err := b.cb.Allow()
	if err != nil {
		return nil, ErrBreakerOpen
	}
	return func(success bool) {
		if success {
			step(nil)
		} else {
			step(errFailed)
		}
	}, nil
}

var errFailed = errors.New("circuit: reported failure")

// State returns the breaker's current state.
func (b *Breaker) State() State { return fromGobreaker(b.cb.State()) }

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// --- Metrics (§4.6 observability) ---

var stateGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "platform",
		Subsystem: "circuit",
		Name:      "state",
		Help:      "Circuit breaker state (0=Closed, 1=HalfOpen, 2=Open), by name.",
	},
	[]string{"name"},
)

var transitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "platform",
		Subsystem: "circuit",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions, by name/from/to.",
	},
	[]string{"name", "from", "to"},
)

// Metrics returns the package's collectors for registration.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{stateGauge, transitionsTotal}
}

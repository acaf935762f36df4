// Package health implements the PollingSupervisor from spec.md §4.11: a
// fixed set of probes (dlqSize, jobQueueDepth, eventOutboxDepth, ioStats)
// scheduled by github.com/robfig/cron/v3 the way omeyang-XKit schedules
// its periodic jobs, with alert-state hysteresis persisted through the
// KVStore collaborator and published over per-probe pub/sub channels.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wisbric/platform/internal/collab"
)

// alertsKey is the stable KV key the persisted alert-state snapshot lives
// under (spec.md §6 cache key namespace table).
const alertsKey = "alerts"

// State names for a single probe's hysteresis state machine.
const (
	AlertNormal   = "normal"
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

// Probe is one health check the supervisor runs on a schedule.
type Probe struct {
	Name        string
	AlertID     string
	Compute     func(ctx context.Context) (float64, error)
	Warning     float64
	Critical    float64
	MinInterval time.Duration
}

// alertState is the persisted per-probe hysteresis record.
type alertState struct {
	AlertID        string    `json:"alertId"`
	State          string    `json:"state"`
	Value          float64   `json:"value"`
	LastSuccessAt  time.Time `json:"lastSuccessAt"`
	LastFailureAt  time.Time `json:"lastFailureAt,omitzero"`
	LastRunAt      time.Time `json:"lastRunAt"`
}

// Health is the queryable aggregate health snapshot returned by GetHealth.
type Health struct {
	Probes []ProbeHealth `json:"probes"`
	Stale  bool           `json:"stale"`
}

// ProbeHealth is one probe's entry within Health.
type ProbeHealth struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Value         float64   `json:"value"`
	LastSuccessAt time.Time `json:"lastSuccessAt"`
	LastFailureAt time.Time `json:"lastFailureAt,omitzero"`
}

// staleMultiplier is the default factor applied to a probe's minimum
// interval to decide staleness, per §4.11 ("default 2").
const staleMultiplier = 2

// Supervisor runs the fixed probe set on a cron schedule, applying
// hysteresis to alert transitions and falling back to an in-memory shadow
// of the last known state when the KV store is unreachable.
type Supervisor struct {
	kv     collab.KVStore
	redis  collab.Redis
	logger *slog.Logger
	probes []Probe
	cron   *cron.Cron

	mu     sync.Mutex
	shadow map[string]alertState
}

// New constructs a Supervisor over the fixed probe set. Callers assemble
// Probes from their Database collaborator (see NewDefaultProbes).
func New(kv collab.KVStore, redis collab.Redis, logger *slog.Logger, probes []Probe) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		kv:     kv,
		redis:  redis,
		logger: logger,
		probes: probes,
		cron:   cron.New(),
		shadow: make(map[string]alertState),
	}
}

// NewDefaultProbes builds the fixed dlqSize/jobQueueDepth/
// eventOutboxDepth/ioStats probe set over db, using jobType for the DLQ
// depth probe (a single job type is the common case; callers with
// multiple job types should register additional Probes directly).
func NewDefaultProbes(db collab.Database, jobType string, minInterval time.Duration) []Probe {
	return []Probe{
		{
			Name:    "dlqSize",
			AlertID: "jobs_dlq_size",
			Compute: func(ctx context.Context) (float64, error) {
				v, err := db.JobDLQ().DLQSize(ctx, jobType)
				return float64(v), err
			},
			Warning:     10,
			Critical:    100,
			MinInterval: minInterval,
		},
		{
			Name:    "jobQueueDepth",
			AlertID: "jobs_queue_depth",
			Compute: func(ctx context.Context) (float64, error) {
				v, err := db.Jobs().QueueDepth(ctx)
				return float64(v), err
			},
			Warning:     500,
			Critical:    5000,
			MinInterval: minInterval,
		},
		{
			Name:    "eventOutboxDepth",
			AlertID: "events_outbox_depth",
			Compute: func(ctx context.Context) (float64, error) {
				v, err := db.Jobs().EventOutboxDepth(ctx)
				return float64(v), err
			},
			Warning:     1000,
			Critical:    10000,
			MinInterval: minInterval,
		},
		{
			Name:    "ioStats",
			AlertID: "io_stats",
			Compute: func(ctx context.Context) (float64, error) {
				return db.Observability().IOStats(ctx)
			},
			Warning:     0.8,
			Critical:    0.95,
			MinInterval: minInterval,
		},
	}
}

// Start schedules every probe to run on a cron spec (e.g. "@every 30s"),
// running an initial pass immediately.
func (s *Supervisor) Start(ctx context.Context, spec string) error {
	s.Refresh(ctx, true)
	_, err := s.cron.AddFunc(spec, func() { s.Refresh(ctx, false) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler; in-flight probe runs are allowed to
// finish.
func (s *Supervisor) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// loadSnapshot reads the persisted alert-state snapshot, falling back to
// the in-memory shadow on any KV read failure.
func (s *Supervisor) loadSnapshot(ctx context.Context) map[string]alertState {
	raw, found, err := s.kv.Get(ctx, alertsKey)
	if err != nil || !found {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make(map[string]alertState, len(s.shadow))
		for k, v := range s.shadow {
			out[k] = v
		}
		return out
	}
	var list []alertState
	if err := json.Unmarshal(raw, &list); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make(map[string]alertState, len(s.shadow))
		for k, v := range s.shadow {
			out[k] = v
		}
		return out
	}
	out := make(map[string]alertState, len(list))
	for _, a := range list {
		out[a.AlertID] = a
	}
	return out
}

func (s *Supervisor) saveSnapshot(ctx context.Context, snapshot map[string]alertState) {
	s.mu.Lock()
	for k, v := range snapshot {
		s.shadow[k] = v
	}
	s.mu.Unlock()

	list := make([]alertState, 0, len(snapshot))
	for _, a := range snapshot {
		list = append(list, a)
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, alertsKey, raw); err != nil {
		s.logger.Warn("persisting alert snapshot failed", "error", err)
	}
}

func classify(value, warning, critical float64) string {
	switch {
	case value >= critical:
		return AlertCritical
	case value >= warning:
		return AlertWarning
	default:
		return AlertNormal
	}
}

// Refresh runs every probe, applying per-probe minimum-interval gating
// unless force is true, and publishes alert transitions.
func (s *Supervisor) Refresh(ctx context.Context, force bool) {
	snapshot := s.loadSnapshot(ctx)
	now := time.Now()

	for _, probe := range s.probes {
		prev, had := snapshot[probe.AlertID]
		if !force && had && probe.MinInterval > 0 && now.Sub(prev.LastRunAt) < probe.MinInterval {
			continue
		}

		value, err := probe.Compute(ctx)
		next := alertState{AlertID: probe.AlertID, LastRunAt: now}

		if err != nil {
			next.State = AlertNormal // failed contribution treated as zero, per §4.11
			next.Value = 0
			next.LastFailureAt = now
			if had {
				next.LastSuccessAt = prev.LastSuccessAt
			}
			s.publish(probe.AlertID, "error")
			if had {
				ProbesRaisedTotal.WithLabelValues(probe.Name, "error").Inc()
			}
			snapshot[probe.AlertID] = next
			continue
		}

		next.Value = value
		next.LastSuccessAt = now
		if had {
			next.LastFailureAt = prev.LastFailureAt
		}
		next.State = classify(value, probe.Warning, probe.Critical)

		s.transition(probe.Name, probe.AlertID, prevState(prev, had), next.State)
		snapshot[probe.AlertID] = next
	}

	s.saveSnapshot(ctx, snapshot)
}

func prevState(prev alertState, had bool) string {
	if !had {
		return AlertNormal
	}
	return prev.State
}

// transition applies spec.md §4.11's hysteresis publication rules:
// entering warning/critical publishes that action; leaving any alert
// state publishes "recovered"; an unchanged state publishes nothing.
func (s *Supervisor) transition(name, alertID, from, to string) {
	if from == to {
		AlertsDeduplicatedTotal.WithLabelValues(name).Inc()
		return
	}

	switch to {
	case AlertWarning, AlertCritical:
		s.publish(alertID, to)
		ProbesRaisedTotal.WithLabelValues(name, to).Inc()
	case AlertNormal:
		if from == AlertWarning || from == AlertCritical {
			s.publish(alertID, "recovered")
			AlertsRecoveredTotal.WithLabelValues(name).Inc()
		}
	}
}

func (s *Supervisor) publish(alertID, action string) {
	if s.redis == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{"action": action})
	if err != nil {
		return
	}
	if err := s.redis.Publish(context.Background(), alertID, payload); err != nil {
		s.logger.Warn("publishing alert transition failed", "alertId", alertID, "error", err)
	}
}

// GetHealth returns the current aggregate snapshot, marking stale=true
// when any probe's last success predates now - minInterval*staleMultiplier.
func (s *Supervisor) GetHealth(ctx context.Context) Health {
	snapshot := s.loadSnapshot(ctx)
	now := time.Now()

	out := Health{}
	for _, probe := range s.probes {
		st, ok := snapshot[probe.AlertID]
		ph := ProbeHealth{Name: probe.Name}
		if ok {
			ph.State = st.State
			ph.Value = st.Value
			ph.LastSuccessAt = st.LastSuccessAt
			ph.LastFailureAt = st.LastFailureAt

			threshold := probe.MinInterval * staleMultiplier
			if threshold > 0 && !st.LastSuccessAt.IsZero() && now.Sub(st.LastSuccessAt) > threshold {
				out.Stale = true
			}
		} else {
			ph.State = AlertNormal
			out.Stale = true
		}
		out.Probes = append(out.Probes, ph)
	}
	return out
}

// Package tenantlifecycle implements the TenantLifecycle state machine
// from spec.md §4.12, generalizing the teacher's pkg/tenant.Provisioner
// (schema create/migrate/drop against a *pgxpool.Pool) into the full
// provision/suspend/resume/archive/purge machine driven through the
// internal/collab.Database AppsStore collaborator, with every transition
// emitted as an event on the tenant lifecycle topic and recorded through
// internal/audit — the only two places in the runtime a tenant's state
// actually changes, and so the natural boundary for audit logging.
package tenantlifecycle

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/platform/internal/audit"
	"github.com/wisbric/platform/internal/collab"
	"github.com/wisbric/platform/internal/errs"
)

// States.
const (
	StateActive    = "active"
	StateSuspended = "suspended"
	StateArchived  = "archived"
)

// Commands.
const (
	CmdProvision = "provision"
	CmdSuspend   = "suspend"
	CmdResume    = "resume"
	CmdArchive   = "archive"
	CmdPurge     = "purge"
)

// namespacePattern matches spec.md §4.12's
// "^[a-z][a-z0-9-]*[a-z0-9]$", length >= 3.
var namespacePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)

// lifecycleChannel is the tenant lifecycle topic every transition is
// published on.
const lifecycleChannel = "tenant:lifecycle"

// ProvisionInput is the payload for the provision command.
type ProvisionInput struct {
	Namespace string
	Name      string
	Settings  json.RawMessage
}

// Event is the stable shape published on the lifecycle topic for every
// transition.
type Event struct {
	TenantID  string    `json:"tenantId"`
	Command   string    `json:"command"`
	FromState string    `json:"fromState"`
	ToState   string    `json:"toState"`
	At        time.Time `json:"at"`
}

// Machine is the TenantLifecycle entity.
type Machine struct {
	db      collab.Database
	redis   collab.Redis
	auditor *audit.Writer
}

// New constructs a Machine over db (tenant registry) and redis (event
// publication); redis may be nil, in which case events are not published.
// auditor may also be nil, in which case transitions are not audited.
func New(db collab.Database, redis collab.Redis, auditor *audit.Writer) *Machine {
	return &Machine{db: db, redis: redis, auditor: auditor}
}

func validateNamespace(namespace string) error {
	if len(namespace) < 3 || !namespacePattern.MatchString(namespace) {
		return errs.Validation("namespace", "must match ^[a-z][a-z0-9-]*[a-z0-9]$ with length >= 3")
	}
	return nil
}

// Provision creates a new tenant in the Active state.
func (m *Machine) Provision(ctx context.Context, in ProvisionInput) (uuid.UUID, error) {
	if err := validateNamespace(in.Namespace); err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	settings := in.Settings
	if settings == nil {
		settings = json.RawMessage(`{}`)
	}

	if err := m.db.Apps().CreateApp(ctx, id, in.Namespace, in.Name, settings); err != nil {
		return uuid.Nil, errs.Internal("tenant_provision", err)
	}

	m.emit(ctx, id, CmdProvision, "", StateActive)
	m.audit(ctx, CmdProvision, id, "", StateActive, in.Namespace)
	return id, nil
}

// validTransitions maps (command, fromState) -> toState. Purge's special
// terminal handling (fromState Archived -> deletion, not a recorded
// state) is handled separately in Transition.
var validTransitions = map[string]map[string]string{
	CmdSuspend: {StateActive: StateSuspended},
	CmdResume:  {StateSuspended: StateActive, StateArchived: StateActive},
	CmdArchive: {StateActive: StateArchived, StateSuspended: StateArchived},
}

// Transition applies command to tenantID, validating the current state
// against the allowed transition table and emitting an event on success.
func (m *Machine) Transition(ctx context.Context, command string, tenantID uuid.UUID) error {
	current, found, err := m.db.Apps().AppState(ctx, tenantID)
	if err != nil {
		return errs.Internal("tenant_state_lookup", err)
	}
	if !found {
		return errs.NotFound("tenant", tenantID.String())
	}

	switch command {
	case CmdSuspend, CmdResume, CmdArchive:
		table := validTransitions[command]
		next, ok := table[current]
		if !ok {
			return errs.Conflict("tenant", "invalid transition "+command+" from "+current)
		}
		if err := m.db.Apps().SetAppState(ctx, tenantID, next); err != nil {
			return errs.Internal("tenant_set_state", err)
		}
		m.emit(ctx, tenantID, command, current, next)
		m.audit(ctx, command, tenantID, current, next, "")
		return nil

	case CmdPurge:
		// Purge is terminal and irreversible, and must succeed only from
		// Archived (spec.md §4.12).
		if current != StateArchived {
			return errs.Conflict("tenant", "purge requires Archived state, was "+current)
		}
		if err := m.db.Apps().DeleteApp(ctx, tenantID); err != nil {
			return errs.Internal("tenant_purge", err)
		}
		m.emit(ctx, tenantID, CmdPurge, current, "")
		m.audit(ctx, CmdPurge, tenantID, current, "", "")
		return nil

	default:
		return errs.Validation("command", "unknown tenant lifecycle command "+command)
	}
}

func (m *Machine) emit(ctx context.Context, tenantID uuid.UUID, command, from, to string) {
	if m.redis == nil {
		return
	}
	payload, err := json.Marshal(Event{
		TenantID:  tenantID.String(),
		Command:   command,
		FromState: from,
		ToState:   to,
		At:        time.Now(),
	})
	if err != nil {
		return
	}
	_ = m.redis.Publish(ctx, lifecycleChannel, payload)
}

// audit records a lifecycle transition through internal/audit, a no-op
// when the Machine was built without an auditor. Security-relevant
// lifecycle changes are never silent, so Silent is always false.
func (m *Machine) audit(ctx context.Context, command string, tenantID uuid.UUID, from, to, namespace string) {
	if m.auditor == nil {
		return
	}
	details := map[string]string{}
	if namespace != "" {
		details["namespace"] = namespace
	}
	m.auditor.Log(ctx, "tenant."+command, audit.LogInput{
		Before:    from,
		After:     to,
		SubjectID: tenantID.String(),
		Details:   details,
	})
}

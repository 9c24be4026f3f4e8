package installer

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/mpk/core/infra/history"
	"github.com/cordum/mpk/core/infra/logging"
	"github.com/cordum/mpk/core/mpk/mpkerr"
)

// Kind names the operation type.
type Kind string

const (
	KindCreate    Kind = "create"
	KindParse     Kind = "parse"
	KindInstall   Kind = "install"
	KindUpdate    Kind = "update"
	KindUninstall Kind = "uninstall"
	KindVerify    Kind = "verify"
)

const maxFinishedOperations = 256

// Operation is the observable record of one submitted operation.
type Operation struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	PackageID  string    `json:"package_id,omitempty"`
	State      State     `json:"state"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// tracker keeps live operations plus a bounded tail of finished ones.
type tracker struct {
	mu       sync.Mutex
	ops      map[string]*Operation
	finished []string
	now      func() time.Time
}

func newTracker(now func() time.Time) *tracker {
	return &tracker{ops: make(map[string]*Operation), now: now}
}

func (t *tracker) start(kind Kind, pkgID string) Operation {
	now := t.now()
	op := &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		PackageID: pkgID,
		State:     StateInit,
		StartedAt: now,
		UpdatedAt: now,
	}
	t.mu.Lock()
	t.ops[op.ID] = op
	t.mu.Unlock()
	return *op
}

func (t *tracker) setPackage(id, pkgID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if op, ok := t.ops[id]; ok {
		op.PackageID = pkgID
	}
}

// transition moves the operation to state and returns the updated record.
// Disallowed transitions are logged and ignored.
func (t *tracker) transition(id string, to State, cause error) (Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	if !ok {
		return Operation{}, false
	}
	if !isAllowedTransition(op.State, to) {
		logging.Error("installer", "invalid state transition", "op", id, "from", op.State, "to", to)
		return *op, false
	}
	now := t.now()
	op.State = to
	op.UpdatedAt = now
	if cause != nil {
		op.Code = mpkerr.Code(cause)
		op.Error = cause.Error()
	}
	if to.Terminal() {
		op.FinishedAt = now
		t.finished = append(t.finished, id)
		for len(t.finished) > maxFinishedOperations {
			delete(t.ops, t.finished[0])
			t.finished = t.finished[1:]
		}
	}
	return *op, true
}

func (t *tracker) get(id string) (Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

func (t *tracker) list() []Operation {
	t.mu.Lock()
	out := make([]Operation, 0, len(t.ops))
	for _, op := range t.ops {
		out = append(out, *op)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func toEntry(op Operation) history.Entry {
	return history.Entry{
		OperationID: op.ID,
		Kind:        string(op.Kind),
		PackageID:   op.PackageID,
		State:       string(op.State),
		Code:        op.Code,
		Error:       op.Error,
		StartedAt:   op.StartedAt,
		FinishedAt:  op.FinishedAt,
	}
}

func fromEntry(e *history.Entry) Operation {
	return Operation{
		ID:         e.OperationID,
		Kind:       Kind(e.Kind),
		PackageID:  e.PackageID,
		State:      State(e.State),
		Code:       e.Code,
		Error:      e.Error,
		StartedAt:  e.StartedAt,
		UpdatedAt:  e.FinishedAt,
		FinishedAt: e.FinishedAt,
	}
}

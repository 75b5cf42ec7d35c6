package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/renderq/internal/domain"
)

// Memory implements every store interface in process. One mutex serialises
// all writes, which gives the same conditional-update semantics as Store.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	purchases map[string]*TokenState
	renders   map[string]*renderRow
	health    []HealthSnapshot
}

type renderRow struct {
	PurchaseID string
	Status     domain.Status
	Error      *string
	ObjectRef  string
}

func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]*domain.Job),
		purchases: make(map[string]*TokenState),
		renders:   make(map[string]*renderRow),
	}
}

func (m *Memory) CreateJob(_ context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return errors.Errorf("job %s already exists", j.ID)
	}
	cp := *j
	cp.Status = domain.Queued
	cp.Args = append([]byte(nil), j.Args...)
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) SetStatus(_ context.Context, id string, to domain.Status, at time.Time, jobErr *domain.JobError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if !domain.CanTransition(j.Status, to) {
		return resolveNoop(j.Status, to)
	}
	j.Status = to
	switch to {
	case domain.Processing:
		if j.StartedAt == nil {
			t := at
			j.StartedAt = &t
		}
	case domain.Completed, domain.Failed:
		if j.FinishedAt == nil {
			t := at
			j.FinishedAt = &t
		}
	}
	if jobErr != nil {
		e := *jobErr
		j.Error = &e
	} else {
		j.Error = nil
	}
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) PurgeFinished(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(before) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) NextTokenVersion(_ context.Context, purchaseID, fileRef string, expiresAt time.Time, maxAttempts int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.purchases[purchaseID]
	if !ok {
		st = &TokenState{PurchaseID: purchaseID}
		m.purchases[purchaseID] = st
	}
	st.Version++
	st.FileRef = fileRef
	st.Token = ""
	st.ExpiresAt = expiresAt
	st.AttemptsUsed = 0
	st.MaxAttempts = maxAttempts
	return st.Version, nil
}

func (m *Memory) SaveToken(_ context.Context, purchaseID string, version int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.purchases[purchaseID]
	if !ok || st.Version != version {
		return domain.ErrInvalidToken
	}
	st.Token = token
	return nil
}

func (m *Memory) ConsumeAttempt(_ context.Context, purchaseID string, version int64) (TokenState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.purchases[purchaseID]
	if !ok {
		return TokenState{}, domain.ErrPurchaseNotFound
	}
	if st.Version != version {
		return *st, domain.ErrInvalidToken
	}
	if st.AttemptsUsed >= st.MaxAttempts {
		return *st, domain.ErrAttemptsExceeded
	}
	st.AttemptsUsed++
	return *st, nil
}

func (m *Memory) GetTokenState(_ context.Context, purchaseID string) (TokenState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.purchases[purchaseID]
	if !ok {
		return TokenState{}, domain.ErrPurchaseNotFound
	}
	return *st, nil
}

func (m *Memory) CreateRender(_ context.Context, renderID, purchaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.renders[renderID]
	switch {
	case !ok:
		m.renders[renderID] = &renderRow{PurchaseID: purchaseID, Status: domain.Queued}
	case r.Status == domain.Failed:
		r.Status = domain.Queued
		r.Error = nil
	}
	return nil
}

func (m *Memory) GetRender(_ context.Context, renderID string) (Render, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.renders[renderID]
	if !ok {
		return Render{}, errors.Wrapf(domain.ErrRenderNotFound, "render %s", renderID)
	}
	out := Render{ID: renderID, PurchaseID: r.PurchaseID, Status: r.Status, ObjectRef: r.ObjectRef}
	if r.Error != nil {
		msg := *r.Error
		out.Error = &msg
	}
	return out, nil
}

func (m *Memory) CompleteRender(_ context.Context, renderID, objectRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.renders[renderID]
	if !ok {
		return errors.Wrapf(domain.ErrRenderNotFound, "render %s", renderID)
	}
	if r.Status.Terminal() {
		if r.Status == domain.Completed {
			return nil
		}
		return errors.Wrapf(domain.ErrInvalidTransition, "render %s is %s", renderID, r.Status)
	}
	r.Status = domain.Completed
	r.Error = nil
	r.ObjectRef = objectRef
	return nil
}

// PutRender seeds a render entity, as the request layer would on submit.
func (m *Memory) PutRender(renderID string, status domain.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renders[renderID] = &renderRow{Status: status}
}

// RenderStatus returns the render's status and error message.
func (m *Memory) RenderStatus(renderID string) (domain.Status, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.renders[renderID]
	if !ok {
		return "", "", false
	}
	msg := ""
	if r.Error != nil {
		msg = *r.Error
	}
	return r.Status, msg, true
}

func (m *Memory) UpdateRenderStatus(_ context.Context, renderID string, status domain.Status, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.renders[renderID]
	if !ok {
		return errors.Wrapf(domain.ErrRenderNotFound, "render %s", renderID)
	}
	if r.Status.Terminal() {
		if r.Status == status {
			return nil
		}
		return errors.Wrapf(domain.ErrInvalidTransition, "render %s is %s", renderID, r.Status)
	}
	r.Status = status
	if errMsg != nil {
		msg := *errMsg
		r.Error = &msg
	}
	return nil
}

func (m *Memory) InsertHealthSnapshots(_ context.Context, snaps []HealthSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = append(m.health, snaps...)
	return nil
}

func (m *Memory) PurgeHealthSnapshots(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.health[:0]
	var n int64
	for _, h := range m.health {
		if h.CollectedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, h)
	}
	m.health = kept
	return n, nil
}

// HealthSnapshots returns a copy of the recorded snapshots.
func (m *Memory) HealthSnapshots() []HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HealthSnapshot(nil), m.health...)
}

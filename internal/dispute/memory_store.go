package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tradebay/tradebay/internal/idgen"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu             sync.RWMutex
	cases          map[string]*Case
	casesByListing map[string]string
	events         map[string][]*Event
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:          make(map[string]*Case),
		casesByListing: make(map[string]string),
		events:         make(map[string][]*Event),
	}
}

func (m *MemoryStore) UpsertOpen(ctx context.Context, listingID, openedBy string, slaDeadline, now time.Time) (*Case, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.casesByListing[listingID]; ok {
		c := m.cases[id]
		if !c.Status.Resolved() {
			cp := *c
			return &cp, false, nil
		}
		c.Status = StatusOpen
		c.OpenedByID = openedBy
		c.OpenedAt = now
		c.SLADeadlineAt = slaDeadline
		c.ResolvedAt = time.Time{}
		c.AssignedAdminID = ""
		c.ResolutionTemplate = ""
		c.ResolutionNote = ""
		c.UpdatedAt = now
		cp := *c
		return &cp, true, nil
	}

	c := &Case{
		ID:            idgen.New(),
		ListingID:     listingID,
		Status:        StatusOpen,
		OpenedByID:    openedBy,
		OpenedAt:      now,
		SLADeadlineAt: slaDeadline,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.cases[c.ID] = c
	m.casesByListing[listingID] = c.ID
	cp := *c
	return &cp, false, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetByListingID(ctx context.Context, listingID string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.casesByListing[listingID]
	if !ok {
		return nil, ErrCaseNotFound
	}
	cp := *m.cases[id]
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, status Status, limit int) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Case
	for _, c := range m.cases {
		if status != "" && c.Status != status {
			continue
		}
		if status == "" && c.Status.Resolved() {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SLADeadlineAt.Before(out[j].SLADeadlineAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetInReview(ctx context.Context, id, adminID string, at time.Time) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	if c.Status.Resolved() {
		return nil, ErrAlreadyResolved
	}
	c.Status = StatusInReview
	c.AssignedAdminID = adminID
	if c.FirstResponseAt.IsZero() {
		c.FirstResponseAt = at
	}
	c.UpdatedAt = at
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Resolve(ctx context.Context, id string, status Status, adminID, template, note string, at time.Time) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	if c.Status.Resolved() {
		return nil, ErrAlreadyResolved
	}
	c.Status = status
	c.AssignedAdminID = adminID
	c.ResolutionTemplate = template
	c.ResolutionNote = note
	c.ResolvedAt = at
	if c.FirstResponseAt.IsZero() {
		c.FirstResponseAt = at
	}
	c.UpdatedAt = at
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.events[cp.CaseID] = append(m.events[cp.CaseID], &cp)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, caseID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[caseID]
	out := make([]*Event, len(events))
	for i, e := range events {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) CountUnresolved(ctx context.Context, now time.Time) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	open, overdue := 0, 0
	for _, c := range m.cases {
		if c.Status.Resolved() {
			continue
		}
		open++
		if now.After(c.SLADeadlineAt) {
			overdue++
		}
	}
	return open, overdue, nil
}

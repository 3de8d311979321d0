// Package dispute tracks admin review cases for disputed reservations.
//
// A case is keyed on its listing: re-disputing a listing reopens the
// existing case instead of creating a second one. Every state change is
// recorded as an append-only case event, and each case carries an SLA
// deadline for the first admin response.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/tradebay/tradebay/internal/escrow"
	"github.com/tradebay/tradebay/internal/idgen"
	"github.com/tradebay/tradebay/internal/metrics"
	"github.com/tradebay/tradebay/internal/traces"
)

var (
	ErrCaseNotFound    = errors.New("dispute case not found")
	ErrAlreadyResolved = errors.New("dispute case is already resolved")
	ErrNotResolvable   = errors.New("dispute case cannot be resolved from this state")
	ErrInvalidOutcome  = errors.New("invalid resolution outcome")
)

// Status is the review state of a case.
type Status string

const (
	StatusOpen             Status = "OPEN"
	StatusInReview         Status = "IN_REVIEW"
	StatusResolvedReleased Status = "RESOLVED_RELEASED"
	StatusResolvedRefunded Status = "RESOLVED_REFUNDED"
)

// Resolved reports whether st is a terminal state.
func (st Status) Resolved() bool {
	return st == StatusResolvedReleased || st == StatusResolvedRefunded
}

// Outcome is the admin's resolution decision.
type Outcome string

const (
	OutcomeRelease Outcome = "RELEASE"
	OutcomeRefund  Outcome = "REFUND"
)

// Event types recorded on the case timeline. A reopen records OPENED
// with a meta flag rather than its own type.
const (
	EventOpened          = "OPENED"
	EventMarkInReview    = "MARK_IN_REVIEW"
	EventResolvedRelease = "RESOLVED_RELEASE"
	EventResolvedRefund  = "RESOLVED_REFUND"
)

// Case is one dispute under admin review, unique per listing.
type Case struct {
	ID                 string    `json:"id"`
	ListingID          string    `json:"listingId"`
	Status             Status    `json:"status"`
	OpenedByID         string    `json:"openedById"`
	OpenedAt           time.Time `json:"openedAt"`
	FirstResponseAt    time.Time `json:"firstResponseAt,omitzero"`
	SLADeadlineAt      time.Time `json:"slaDeadlineAt"`
	ResolvedAt         time.Time `json:"resolvedAt,omitzero"`
	AssignedAdminID    string    `json:"assignedAdminId,omitempty"`
	ResolutionTemplate string    `json:"resolutionTemplate,omitempty"`
	ResolutionNote     string    `json:"resolutionNote,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`

	// Overdue is derived at read time: an unresolved case past its SLA
	// deadline. It is never stored.
	Overdue bool `json:"overdue"`
}

func (c *Case) deriveOverdue(now time.Time) {
	c.Overdue = !c.Status.Resolved() && now.After(c.SLADeadlineAt)
}

// Event is one append-only entry on a case timeline.
type Event struct {
	ID          string         `json:"id"`
	CaseID      string         `json:"caseId"`
	ActorUserID string         `json:"actorUserId"`
	Type        string         `json:"type"`
	Note        string         `json:"note,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Store persists cases and their event timelines.
type Store interface {
	// UpsertOpen opens the case for a listing, or reopens a resolved one.
	// Returns reopened=true when an existing case went back to OPEN.
	UpsertOpen(ctx context.Context, listingID, openedBy string, slaDeadline, now time.Time) (c *Case, reopened bool, err error)

	Get(ctx context.Context, id string) (*Case, error)
	GetByListingID(ctx context.Context, listingID string) (*Case, error)

	// List returns cases filtered by status (empty = all unresolved),
	// oldest SLA deadline first.
	List(ctx context.Context, status Status, limit int) ([]*Case, error)

	// SetInReview assigns an admin. The first call stamps FirstResponseAt.
	SetInReview(ctx context.Context, id, adminID string, at time.Time) (*Case, error)

	// Resolve moves the case to a terminal status.
	Resolve(ctx context.Context, id string, status Status, adminID, template, note string, at time.Time) (*Case, error)

	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, caseID string) ([]*Event, error)

	// CountUnresolved returns open and overdue case counts for ops
	// reporting.
	CountUnresolved(ctx context.Context, now time.Time) (open, overdue int, err error)
}

// Escrow is the settlement surface the tracker drives. escrow.Service
// satisfies it.
type Escrow interface {
	OpenDispute(ctx context.Context, listingID, userID, reason string) (*escrow.Listing, error)
	AdminRelease(ctx context.Context, listingID string) (*escrow.Settlement, error)
	Refund(ctx context.Context, listingID, reason string) (*escrow.Settlement, error)
}

// Service implements dispute case tracking on top of Store and the escrow
// settlement paths.
type Service struct {
	store  Store
	escrow Escrow
	sla    time.Duration
	now    func() time.Time
}

// NewService creates a dispute service. sla bounds the expected first
// admin response.
func NewService(store Store, esc Escrow, sla time.Duration) *Service {
	return &Service{store: store, escrow: esc, sla: sla, now: time.Now}
}

// Open freezes the listing and opens (or reopens) its review case.
func (s *Service) Open(ctx context.Context, listingID, userID, reason string) (*Case, error) {
	if _, err := s.escrow.OpenDispute(ctx, listingID, userID, reason); err != nil {
		return nil, err
	}

	now := s.now()
	c, reopened, err := s.store.UpsertOpen(ctx, listingID, userID, now.Add(s.sla), now)
	if err != nil {
		return nil, err
	}

	var meta map[string]any
	if reopened {
		meta = map[string]any{"reopened": true}
	}
	if err := s.store.AppendEvent(ctx, &Event{
		ID:          idgen.New(),
		CaseID:      c.ID,
		ActorUserID: userID,
		Type:        EventOpened,
		Note:        reason,
		Meta:        meta,
	}); err != nil {
		return nil, err
	}
	c.deriveOverdue(now)
	return c, nil
}

// GetByListing returns the case attached to a listing, so deal parties
// can check review progress without knowing the case id.
func (s *Service) GetByListing(ctx context.Context, listingID string) (*Case, error) {
	c, err := s.store.GetByListingID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	c.deriveOverdue(s.now())
	return c, nil
}

// Get returns a case with its timeline.
func (s *Service) Get(ctx context.Context, id string) (*Case, []*Event, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	events, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	c.deriveOverdue(s.now())
	return c, events, nil
}

// Queue lists cases for the admin review queue, oldest deadline first.
func (s *Service) Queue(ctx context.Context, status Status, limit int) ([]*Case, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	cases, err := s.store.List(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, c := range cases {
		c.deriveOverdue(now)
	}
	return cases, nil
}

// MarkInReview assigns an admin to the case. The first assignment stops
// the SLA clock.
func (s *Service) MarkInReview(ctx context.Context, caseID, adminID string) (*Case, error) {
	c, err := s.store.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status.Resolved() {
		return nil, ErrAlreadyResolved
	}

	now := s.now()
	updated, err := s.store.SetInReview(ctx, caseID, adminID, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendEvent(ctx, &Event{
		ID:          idgen.New(),
		CaseID:      caseID,
		ActorUserID: adminID,
		Type:        EventMarkInReview,
	}); err != nil {
		return nil, err
	}
	updated.deriveOverdue(now)
	return updated, nil
}

// Resolution is the outcome of resolving a case.
type Resolution struct {
	Case       *Case              `json:"case"`
	Settlement *escrow.Settlement `json:"settlement"`
}

// Resolve settles the disputed listing and closes the case. Resolving an
// already-resolved case with the same outcome is a no-op; a different
// outcome is rejected.
func (s *Service) Resolve(ctx context.Context, caseID, adminID string, outcome Outcome, template, note string) (*Resolution, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve",
		traces.CaseID(caseID), traces.UserID(adminID))
	defer span.End()

	c, err := s.store.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}

	var target Status
	switch outcome {
	case OutcomeRelease:
		target = StatusResolvedReleased
	case OutcomeRefund:
		target = StatusResolvedRefunded
	default:
		return nil, ErrInvalidOutcome
	}

	if c.Status.Resolved() {
		if c.Status == target {
			return &Resolution{Case: c, Settlement: &escrow.Settlement{ListingID: c.ListingID, AlreadySettled: true}}, nil
		}
		return nil, ErrAlreadyResolved
	}

	var st *escrow.Settlement
	switch outcome {
	case OutcomeRelease:
		st, err = s.escrow.AdminRelease(ctx, c.ListingID)
	case OutcomeRefund:
		reason := note
		if reason == "" {
			reason = "dispute resolved in buyer's favor"
		}
		st, err = s.escrow.Refund(ctx, c.ListingID, reason)
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	resolved, err := s.store.Resolve(ctx, caseID, target, adminID, template, note, now)
	if err != nil {
		return nil, err
	}
	metrics.DisputesResolvedTotal.WithLabelValues(string(outcome)).Inc()
	eventType := EventResolvedRelease
	if outcome == OutcomeRefund {
		eventType = EventResolvedRefund
	}
	if err := s.store.AppendEvent(ctx, &Event{
		ID:          idgen.New(),
		CaseID:      caseID,
		ActorUserID: adminID,
		Type:        eventType,
		Note:        note,
		Meta: map[string]any{
			"template":     template,
			"released":     st.Released,
			"refunded":     st.Refunded,
			"sellerAmount": st.SellerAmount,
			"feeAmount":    st.FeeAmount,
		},
	}); err != nil {
		return nil, err
	}
	resolved.deriveOverdue(now)
	return &Resolution{Case: resolved, Settlement: st}, nil
}

// Stats summarizes the queue for ops reporting.
func (s *Service) Stats(ctx context.Context) (open, overdue int, err error) {
	return s.store.CountUnresolved(ctx, s.now())
}

// Package engine owns mission lifecycle, the plan-card approval gate and the
// execution run. All mutations of one mission are serialized through a
// per-mission lock; every state change lands one audit entry in the same
// transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailpilot/internal/audit"
	"mailpilot/internal/config"
	"mailpilot/internal/domain"
	"mailpilot/internal/intent"
	"mailpilot/internal/plan"
	"mailpilot/internal/repo"
	"mailpilot/internal/risk"
	"mailpilot/internal/snapshot"
	"mailpilot/internal/tools"
)

var (
	// ErrAlreadyExecuting rejects a second run for a card immediately; it is
	// never queued and leaves existing step states untouched.
	ErrAlreadyExecuting = errors.New("plan already executing")
	// ErrInvariant marks a broken caller, not a runtime condition.
	ErrInvariant = errors.New("invariant violation")
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Audit      audit.Writer
	Config     *config.Config
	Tools      tools.Dispatcher
	Classifier intent.Classifier
	Snapshots  snapshot.Builder
	Plans      plan.Builder
	Now        func() time.Time
	NewID      func() string

	locks *missionLocks
	runs  sync.Map // mission id -> plan card id currently executing
}

func New(db *sql.DB, cfg *config.Config, dispatcher tools.Dispatcher, classifier intent.Classifier) *Engine {
	e := &Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Audit:      audit.Writer{DB: db},
		Config:     cfg,
		Tools:      dispatcher,
		Classifier: classifier,
		Now:        time.Now,
		NewID:      func() string { return uuid.New().String() },
		locks:      newMissionLocks(),
	}
	e.Snapshots = snapshot.New(dispatcher, cfg.Snapshot.ExcerptChars, cfg.Snapshot.MaxMessages)
	e.Plans = plan.New(cfg.Policy.AutoApproveConfidence)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.New().String()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) policy() risk.Policy {
	return risk.Policy{
		UserDomain:              e.Config.Domain(),
		MoneyLegalKeywords:      e.Config.Policy.MoneyLegalKeywords,
		LargeRecipientThreshold: e.Config.Policy.LargeRecipientThreshold,
	}
}

// GetMission returns the mission with its current card, steps and artifacts.
func (e *Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return m, err
	}
	card, err := e.Repo.CurrentCard(ctx, id)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return m, err
	}
	if err == nil {
		m.PlanCard = &card
		steps, err := e.Repo.ListSteps(ctx, card.ID)
		if err != nil {
			return m, err
		}
		m.ExecutionSteps = steps
	}
	m.Artifacts, err = e.Repo.ListArtifacts(ctx, id)
	return m, err
}

// ListMissions returns the goal-inbox surface.
func (e *Engine) ListMissions(ctx context.Context, f repo.MissionFilters) ([]domain.MissionSummary, error) {
	return e.Repo.ListMissionSummaries(ctx, f)
}

// AuditLog returns a mission's audit entries in append order.
func (e *Engine) AuditLog(ctx context.Context, missionID string, limit int) ([]domain.AuditLogEntry, error) {
	if _, err := e.Repo.GetMission(ctx, missionID); err != nil {
		return nil, err
	}
	return e.Repo.AuditLog(ctx, missionID, limit)
}

// CreateMission persists a mission from a proposal. Actor is the user whose
// turn produced it.
func (e *Engine) CreateMission(ctx context.Context, p domain.MissionProposal) (domain.Mission, error) {
	if p.Title == "" || p.Goal == "" {
		return domain.Mission{}, errors.New("mission title and goal required")
	}
	now := e.nowRFC3339()
	m := domain.Mission{
		ID:               e.newID(),
		Title:            p.Title,
		Goal:             p.Goal,
		Status:           domain.MissionActive,
		Priority:         "normal",
		DueAt:            p.DueAt,
		NextAction:       p.NextAction,
		NextActionReason: p.NextActionReason,
		LastActivityAt:   now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return m, fmt.Errorf("insert mission: %w", err)
	}
	for _, part := range p.Participants {
		if err := e.Repo.UpsertParticipant(ctx, tx, m.ID, part); err != nil {
			return m, fmt.Errorf("insert participant: %w", err)
		}
	}
	for i, link := range p.LinkedThreads {
		if err := e.Repo.UpsertThreadLink(ctx, tx, m.ID, link, i); err != nil {
			return m, fmt.Errorf("insert thread link: %w", err)
		}
	}
	if _, err := e.Audit.Append(ctx, tx, m.ID, audit.Entry{
		Action:     "mission.created",
		TargetID:   m.ID,
		Input:      audit.Payload{"title": m.Title, "goal": m.Goal},
		ApprovedBy: domain.ApprovedByUser,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	m.Participants = p.Participants
	m.LinkedThreads = p.LinkedThreads
	return m, nil
}

// SetMissionStatus applies a guarded status transition.
func (e *Engine) SetMissionStatus(ctx context.Context, missionID, status, actorID string) (domain.Mission, error) {
	unlock := e.locks.lock(missionID)
	defer unlock()
	return e.setMissionStatusLocked(ctx, missionID, status, actorID)
}

func (e *Engine) setMissionStatusLocked(ctx context.Context, missionID, status, actorID string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return m, err
	}
	if err := ensureMissionTransition(m.Status, status); err != nil {
		return m, err
	}
	if status == domain.MissionDone {
		if err := e.ensureCurrentPlanSettled(ctx, missionID); err != nil {
			return m, err
		}
	}
	from := m.Status
	m.Status = status
	m.UpdatedAt = e.nowRFC3339()
	m.LastActivityAt = m.UpdatedAt
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return m, err
	}
	if _, err := e.Audit.Append(ctx, tx, m.ID, audit.Entry{
		Action:     "mission.status",
		TargetID:   m.ID,
		Input:      audit.Payload{"from": from, "to": status, "actor": actorID},
		ApprovedBy: domain.ApprovedByUser,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

// ArchiveMission is the terminal transition for a mission.
func (e *Engine) ArchiveMission(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	return e.SetMissionStatus(ctx, missionID, domain.MissionArchived, actorID)
}

func ensureMissionTransition(oldStatus, newStatus string) error {
	if oldStatus == newStatus {
		return nil
	}
	switch oldStatus {
	case domain.MissionActive:
		switch newStatus {
		case domain.MissionWaitingOnOther, domain.MissionNeedsUser, domain.MissionDone, domain.MissionArchived:
			return nil
		}
	case domain.MissionWaitingOnOther, domain.MissionNeedsUser:
		switch newStatus {
		case domain.MissionActive, domain.MissionWaitingOnOther, domain.MissionNeedsUser, domain.MissionDone, domain.MissionArchived:
			return nil
		}
	case domain.MissionDone:
		if newStatus == domain.MissionArchived {
			return nil
		}
	}
	return fmt.Errorf("invalid mission status transition %s -> %s", oldStatus, newStatus)
}

// ensureCurrentPlanSettled blocks mission completion while the current plan
// card has steps that are not terminal.
func (e *Engine) ensureCurrentPlanSettled(ctx context.Context, missionID string) error {
	card, err := e.Repo.CurrentCard(ctx, missionID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	steps, err := e.Repo.ListSteps(ctx, card.ID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.Status != domain.StepDone && s.Status != domain.StepFailed {
			return fmt.Errorf("step %d (%s) still %s", s.Position+1, s.Tool, s.Status)
		}
	}
	return nil
}

// missionLocks serializes operations per mission id.
type missionLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newMissionLocks() *missionLocks {
	return &missionLocks{m: map[string]*sync.Mutex{}}
}

func (l *missionLocks) lock(missionID string) func() {
	l.mu.Lock()
	mu, ok := l.m[missionID]
	if !ok {
		mu = &sync.Mutex{}
		l.m[missionID] = mu
	}
	l.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

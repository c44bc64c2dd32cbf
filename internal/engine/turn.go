package engine

import (
	"context"
	"errors"
	"fmt"

	"mailpilot/internal/audit"
	"mailpilot/internal/domain"
	"mailpilot/internal/intent"
	"mailpilot/internal/repo"
	"mailpilot/internal/risk"
	"mailpilot/internal/snapshot"
)

// TurnOptions is one chat turn: free text, optionally scoped to an existing
// mission and explicit thread references.
type TurnOptions struct {
	MissionID string
	Text      string
	ThreadIDs []string
	ActorID   string
}

// TurnResult is what the chat surface renders back.
type TurnResult struct {
	Mission        *domain.Mission         `json:"mission,omitempty"`
	IntentType     string                  `json:"intent_type,omitempty"`
	Clarifications []string                `json:"clarifications,omitempty"`
	Reply          string                  `json:"reply,omitempty"`
	PlanCard       *domain.PlanCard        `json:"plan_card,omitempty"`
	Executed       *domain.ExecutionResult `json:"executed,omitempty"`
	Degraded       bool                    `json:"degraded,omitempty"`
}

// HandleTurn runs one chat turn end to end: snapshot, classify, then either
// clarify, create/update the mission, or propose (and possibly auto-run) a
// plan card.
func (e *Engine) HandleTurn(ctx context.Context, opts TurnOptions) (TurnResult, error) {
	if opts.Text == "" {
		return TurnResult{}, errors.New("turn text required")
	}
	if opts.MissionID != "" {
		unlock := e.locks.lock(opts.MissionID)
		defer unlock()
	}

	var mission *domain.Mission
	if opts.MissionID != "" {
		m, err := e.Repo.GetMission(ctx, opts.MissionID)
		if err != nil {
			return TurnResult{}, err
		}
		mission = &m
	}

	snaps := e.buildSnapshots(ctx, mission, opts.ThreadIDs)

	req := intent.Request{Text: opts.Text, Mission: mission, Snapshots: snaps}
	if mission != nil {
		req.Participants = mission.Participants
	}
	si, err := intent.Adapter{Classifier: e.Classifier}.Classify(ctx, req)
	if err != nil {
		if errors.Is(err, intent.ErrUnavailable) {
			// Degrade to plain text; never invent a plan card.
			return TurnResult{
				Mission:  mission,
				Reply:    "The assistant is unavailable right now; no plan was made. Try again shortly.",
				Degraded: true,
			}, nil
		}
		return TurnResult{
			Mission:        mission,
			Clarifications: []string{"I could not interpret that reliably. Could you rephrase what you want done?"},
			Degraded:       true,
		}, nil
	}

	res := TurnResult{IntentType: si.IntentType}

	// Open clarifications block plan construction for this turn.
	if len(si.RequiredClarifications) > 0 {
		res.Clarifications = si.RequiredClarifications
		if mission != nil {
			m, err := e.markNeedsUser(ctx, *mission, si.RequiredClarifications)
			if err != nil {
				return res, err
			}
			res.Mission = &m
		}
		return res, nil
	}

	if si.MissionProposal != nil {
		if mission == nil {
			m, err := e.CreateMission(ctx, *si.MissionProposal)
			if err != nil {
				return res, fmt.Errorf("create mission: %w", err)
			}
			mission = &m
			// the mission is visible to other callers from this point;
			// the rest of the turn holds its lock like any other turn
			unlock := e.locks.lock(m.ID)
			defer unlock()
		} else {
			m, err := e.mergeProposal(ctx, *mission, *si.MissionProposal)
			if err != nil {
				return res, fmt.Errorf("update mission: %w", err)
			}
			mission = &m
		}
	}
	res.Mission = mission

	if si.PlanCard != nil {
		if mission == nil {
			return res, errors.New("plan card requires a mission; none exists and none was proposed")
		}
		card, executed, err := e.proposePlan(ctx, mission.ID, *si.PlanCard)
		if err != nil {
			return res, err
		}
		res.PlanCard = &card
		res.Executed = executed
		m, err := e.GetMission(ctx, mission.ID)
		if err != nil {
			return res, err
		}
		res.Mission = &m
		return res, nil
	}

	if len(si.ProposedActions) > 0 {
		res.Reply = "Proposed: " + joinBullets(si.ProposedActions)
	}
	return res, nil
}

// buildSnapshots resolves mission threads plus explicit references,
// dropping threads that no longer resolve instead of failing the turn.
func (e *Engine) buildSnapshots(ctx context.Context, mission *domain.Mission, extra []string) []domain.ThreadSnapshot {
	seen := map[string]bool{}
	var ids []string
	if mission != nil {
		for _, l := range mission.LinkedThreads {
			if !seen[l.ThreadID] {
				seen[l.ThreadID] = true
				ids = append(ids, l.ThreadID)
			}
		}
	}
	for _, id := range extra {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	var snaps []domain.ThreadSnapshot
	for _, id := range ids {
		snap, err := e.Snapshots.Build(ctx, id)
		if err != nil {
			if errors.Is(err, snapshot.ErrThreadNotFound) {
				continue
			}
			continue // transport hiccups degrade the same way
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

// proposePlan risk-classifies the candidate, supersedes any pending card,
// persists the new one and auto-runs it when eligible.
func (e *Engine) proposePlan(ctx context.Context, missionID string, candidate domain.PlanCard) (domain.PlanCard, *domain.ExecutionResult, error) {
	participants, err := e.Repo.ListParticipants(ctx, missionID)
	if err != nil {
		return domain.PlanCard{}, nil, err
	}
	flags := risk.Classify(risk.FromCard(candidate), participants, e.policy())
	card, err := e.Plans.Build(missionID, candidate, flags)
	if err != nil {
		return domain.PlanCard{}, nil, fmt.Errorf("build plan card: %w", err)
	}
	if err := e.validateCardReferences(card); err != nil {
		return domain.PlanCard{}, nil, err
	}
	if err := e.supersedePending(ctx, missionID, card.ID); err != nil {
		return domain.PlanCard{}, nil, fmt.Errorf("supersede pending card: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return card, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPlanCard(ctx, tx, card); err != nil {
		return card, nil, fmt.Errorf("insert plan card: %w", err)
	}
	if _, err := e.Audit.Append(ctx, tx, missionID, audit.Entry{
		Action:     "plan.proposed",
		TargetID:   card.ID,
		Input:      audit.Payload{"goal": card.Goal, "tools": card.Tools, "risk_flags": card.RiskFlags, "confidence": card.Confidence},
		ApprovedBy: domain.ApprovedByUser,
	}); err != nil {
		return card, nil, err
	}
	if err := tx.Commit(); err != nil {
		return card, nil, err
	}

	if !card.AutoApprovable {
		return card, nil, nil
	}
	approved, err := e.approveLocked(ctx, missionID, card.ID, domain.ApprovedByAutopilot)
	if err != nil {
		return card, nil, err
	}
	if _, loaded := e.runs.LoadOrStore(missionID, card.ID); loaded {
		return approved, nil, ErrAlreadyExecuting
	}
	defer e.runs.Delete(missionID)
	result, err := e.runExecution(ctx, missionID, approved, domain.ApprovedByAutopilot)
	if err != nil {
		return approved, nil, err
	}
	final, err := e.Repo.GetPlanCard(ctx, card.ID)
	if err != nil {
		return approved, &result, err
	}
	return final, &result, nil
}

func (e *Engine) markNeedsUser(ctx context.Context, m domain.Mission, questions []string) (domain.Mission, error) {
	m.Status = domain.MissionNeedsUser
	m.NextAction = "answer_clarifications"
	m.NextActionReason = joinBullets(questions)
	now := e.nowRFC3339()
	m.UpdatedAt = now
	m.LastActivityAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return m, err
	}
	if _, err := e.Audit.Append(ctx, tx, m.ID, audit.Entry{
		Action:     "turn.clarify",
		TargetID:   m.ID,
		Input:      audit.Payload{"questions": questions},
		ApprovedBy: domain.ApprovedByUser,
	}); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

// mergeProposal folds a classifier proposal into an existing mission.
func (e *Engine) mergeProposal(ctx context.Context, m domain.Mission, p domain.MissionProposal) (domain.Mission, error) {
	if p.Goal != "" {
		m.Goal = p.Goal
	}
	if p.DueAt != nil {
		m.DueAt = p.DueAt
	}
	if p.NextAction != "" {
		m.NextAction = p.NextAction
		m.NextActionReason = p.NextActionReason
	}
	now := e.nowRFC3339()
	m.UpdatedAt = now
	m.LastActivityAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return m, err
	}
	for _, part := range p.Participants {
		if err := e.Repo.UpsertParticipant(ctx, tx, m.ID, part); err != nil {
			return m, err
		}
	}
	base := len(m.LinkedThreads)
	for i, link := range p.LinkedThreads {
		if err := e.Repo.UpsertThreadLink(ctx, tx, m.ID, link, base+i); err != nil {
			return m, err
		}
	}
	if _, err := e.Audit.Append(ctx, tx, m.ID, audit.Entry{
		Action:     "mission.updated",
		TargetID:   m.ID,
		Input:      audit.Payload{"goal": m.Goal},
		ApprovedBy: domain.ApprovedByUser,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	updated, err := e.Repo.GetMission(ctx, m.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return m, err
	}
	if err == nil {
		return updated, nil
	}
	return m, nil
}

func joinBullets(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += "; "
		}
		out += s
	}
	return out
}

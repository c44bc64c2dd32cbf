package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mailpilot/internal/audit"
	"mailpilot/internal/domain"
	"mailpilot/internal/repo"
	"mailpilot/internal/tools"
)

// ensureCardTransition is the approval-gate state machine. pending exits
// only to approved or rejected; everything downstream is monotonic.
func ensureCardTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.CardPending:
		if newStatus == domain.CardApproved || newStatus == domain.CardRejected {
			return nil
		}
	case domain.CardApproved:
		if newStatus == domain.CardExecuting {
			return nil
		}
	case domain.CardExecuting:
		if newStatus == domain.CardDone || newStatus == domain.CardFailed {
			return nil
		}
	}
	return fmt.Errorf("invalid plan card transition %s -> %s", oldStatus, newStatus)
}

// ApproveCard records an explicit human approval and materializes the
// execution steps. Flagged cards can only pass through here, never through
// the autopilot path.
func (e *Engine) ApproveCard(ctx context.Context, missionID, cardID string) (domain.PlanCard, error) {
	unlock := e.locks.lock(missionID)
	defer unlock()
	return e.approveLocked(ctx, missionID, cardID, domain.ApprovedByUser)
}

func (e *Engine) approveLocked(ctx context.Context, missionID, cardID, approvedBy string) (domain.PlanCard, error) {
	card, err := e.Repo.GetPlanCard(ctx, cardID)
	if err != nil {
		return card, err
	}
	if card.MissionID != missionID {
		return card, fmt.Errorf("plan card %s not in mission %s", cardID, missionID)
	}
	if card.SupersededBy != nil {
		return card, fmt.Errorf("plan card %s was superseded by %s", cardID, *card.SupersededBy)
	}
	if err := ensureCardTransition(card.Status, domain.CardApproved); err != nil {
		return card, err
	}
	if approvedBy != domain.ApprovedByUser {
		// The autopilot path exists only for cards the builder marked
		// eligible; anything else is a broken caller.
		if !card.AutoApprovable {
			return card, fmt.Errorf("%w: automatic approval of a non-eligible card", ErrInvariant)
		}
		if len(card.RiskFlags) > 0 && anySideEffects(card.Tools) {
			return card, fmt.Errorf("%w: automatic approval of a risk-flagged write plan", ErrInvariant)
		}
	}
	steps := materializeSteps(e, card)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return card, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePlanCardStatus(ctx, tx, card.ID, domain.CardPending, domain.CardApproved); err != nil {
		return card, err
	}
	if err := e.Repo.InsertSteps(ctx, tx, missionID, steps); err != nil {
		return card, fmt.Errorf("materialize steps: %w", err)
	}
	if _, err := e.Audit.Append(ctx, tx, missionID, audit.Entry{
		Action:     "plan.approved",
		TargetID:   card.ID,
		Input:      audit.Payload{"steps": len(steps), "risk_flags": card.RiskFlags},
		ApprovedBy: approvedBy,
	}); err != nil {
		return card, err
	}
	if err := tx.Commit(); err != nil {
		return card, err
	}
	card.Status = domain.CardApproved
	return card, nil
}

// RejectCard is the user declining a pending plan. Free: no tool call has
// happened yet.
func (e *Engine) RejectCard(ctx context.Context, missionID, cardID, reason string) (domain.PlanCard, error) {
	unlock := e.locks.lock(missionID)
	defer unlock()
	card, err := e.Repo.GetPlanCard(ctx, cardID)
	if err != nil {
		return card, err
	}
	if card.MissionID != missionID {
		return card, fmt.Errorf("plan card %s not in mission %s", cardID, missionID)
	}
	if err := ensureCardTransition(card.Status, domain.CardRejected); err != nil {
		return card, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return card, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePlanCardStatus(ctx, tx, card.ID, domain.CardPending, domain.CardRejected); err != nil {
		return card, err
	}
	if _, err := e.Audit.Append(ctx, tx, missionID, audit.Entry{
		Action:     "plan.rejected",
		TargetID:   card.ID,
		Input:      audit.Payload{"reason": reason},
		ApprovedBy: domain.ApprovedByUser,
	}); err != nil {
		return card, err
	}
	if err := tx.Commit(); err != nil {
		return card, err
	}
	card.Status = domain.CardRejected
	return card, nil
}

// materializeSteps creates the full pending step list for an approved card.
// Steps are never added after this point; a materially different follow-up
// needs a new card.
func materializeSteps(e *Engine, card domain.PlanCard) []domain.ExecutionStep {
	steps := make([]domain.ExecutionStep, 0, len(card.Actions))
	for i, a := range card.Actions {
		desc := a.Description
		if desc == "" {
			desc = a.Tool
		}
		steps = append(steps, domain.ExecutionStep{
			ID:          e.newID(),
			PlanCardID:  card.ID,
			Position:    i,
			Description: desc,
			Tool:        a.Tool,
			ArgsJSON:    a.ArgsJSON,
			Status:      domain.StepPending,
		})
	}
	return steps
}

func anySideEffects(toolTypes []string) bool {
	for _, t := range toolTypes {
		if tools.HasSideEffects(t) {
			return true
		}
	}
	return false
}

// supersedePending parks any pending card before a new proposal lands. The
// superseded card's audit history stays in place.
func (e *Engine) supersedePending(ctx context.Context, missionID, newCardID string) error {
	prev, err := e.Repo.PendingCard(ctx, missionID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		// Inserting the new card anyway would leave two approvable pending
		// cards; the turn fails instead.
		return fmt.Errorf("find pending card: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkSuperseded(ctx, tx, prev.ID, newCardID); err != nil {
		return err
	}
	if _, err := e.Audit.Append(ctx, tx, missionID, audit.Entry{
		Action:     "plan.superseded",
		TargetID:   prev.ID,
		Input:      audit.Payload{"superseded_by": newCardID},
		ApprovedBy: domain.ApprovedByUser,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// validateCardReferences fails fast when a plan references threads that no
// longer resolve, naming the field so the user can correct it.
func (e *Engine) validateCardReferences(card domain.PlanCard) error {
	for _, a := range card.Actions {
		if !tools.Known(a.Tool) {
			return fmt.Errorf("plan action references unknown tool %q (known: %s)", a.Tool, strings.Join(tools.All(), ", "))
		}
		if a.ArgsJSON != "" && !json.Valid([]byte(a.ArgsJSON)) {
			return fmt.Errorf("plan action %q has malformed args", a.Tool)
		}
	}
	return nil
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailpilot/internal/audit"
	"mailpilot/internal/domain"
	"mailpilot/internal/tools"
)

// Execute runs an approved plan card. Steps run strictly in declared order;
// one audit entry per tool call, success or failure; a failed step stops the
// run without rolling back earlier steps (sends and invites are not safely
// revocable).
func (e *Engine) Execute(ctx context.Context, missionID, cardID string) (domain.ExecutionResult, error) {
	if _, loaded := e.runs.LoadOrStore(missionID, cardID); loaded {
		return domain.ExecutionResult{}, ErrAlreadyExecuting
	}
	unlock := e.locks.lock(missionID)
	defer func() {
		// the run slot must clear before the lock releases, or a waiter
		// sees a finished run as still in flight
		e.runs.Delete(missionID)
		unlock()
	}()
	card, err := e.Repo.GetPlanCard(ctx, cardID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if card.MissionID != missionID {
		return domain.ExecutionResult{}, fmt.Errorf("plan card %s not in mission %s", cardID, missionID)
	}
	if card.Status == domain.CardExecuting {
		return domain.ExecutionResult{}, ErrAlreadyExecuting
	}
	return e.runExecution(ctx, missionID, card, domain.ApprovedByUser)
}

// runExecution assumes the mission lock and the run slot are held.
func (e *Engine) runExecution(ctx context.Context, missionID string, card domain.PlanCard, approvedBy string) (domain.ExecutionResult, error) {
	if err := ensureCardTransition(card.Status, domain.CardExecuting); err != nil {
		return domain.ExecutionResult{}, err
	}
	steps, err := e.Repo.ListSteps(ctx, card.ID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if len(steps) == 0 {
		return domain.ExecutionResult{}, fmt.Errorf("%w: approved card %s has no steps", ErrInvariant, card.ID)
	}
	if err := e.setCardStatus(ctx, missionID, card.ID, card.Status, domain.CardExecuting, approvedBy, nil); err != nil {
		return domain.ExecutionResult{}, err
	}

	var result domain.ExecutionResult
	failed := false
	for _, step := range steps {
		if step.Status == domain.StepDone {
			// skipped before the run reached it
			result.Changes = append(result.Changes, fmt.Sprintf("Skipped: %s", step.Description))
			continue
		}
		started, err := e.Repo.StartStep(ctx, step.ID, e.nowRFC3339())
		if err != nil {
			return result, err
		}
		if !started {
			result.Changes = append(result.Changes, fmt.Sprintf("Skipped: %s", step.Description))
			continue
		}
		outcome := e.dispatchStep(ctx, step)
		if recErr := e.recordStep(ctx, missionID, card.ID, step, outcome, approvedBy); recErr != nil {
			return result, recErr
		}
		if outcome.err != nil {
			failed = true
			result.Error = outcome.err.Error()
			result.Changes = append(result.Changes, fmt.Sprintf("Failed: %s (%s)", step.Description, outcome.err))
			break
		}
		result.Changes = append(result.Changes, outcome.change)
		if outcome.artifact != nil {
			result.Artifacts = append(result.Artifacts, *outcome.artifact)
		}
	}

	if failed {
		if err := e.setCardStatus(ctx, missionID, card.ID, domain.CardExecuting, domain.CardFailed, approvedBy, audit.Payload{"error": result.Error}); err != nil {
			return result, err
		}
		if err := e.afterRun(ctx, missionID, card, false); err != nil {
			return result, err
		}
		result.Success = false
		return result, nil
	}
	if err := e.setCardStatus(ctx, missionID, card.ID, domain.CardExecuting, domain.CardDone, approvedBy, nil); err != nil {
		return result, err
	}
	if err := e.afterRun(ctx, missionID, card, true); err != nil {
		return result, err
	}
	result.Success = true
	if containsTool(card.Tools, tools.SendEmail) || containsTool(card.Tools, tools.CreateMeeting) {
		result.NextMonitoring = &domain.Monitoring{
			Description: "Watch the thread for replies",
			CheckAt:     e.now().UTC().Add(72 * time.Hour).Format(time.RFC3339),
		}
	}
	return result, nil
}

// SkipStep cancels one not-yet-started step of the current plan. Completed
// steps are never undone.
func (e *Engine) SkipStep(ctx context.Context, missionID, stepID string) (domain.ExecutionStep, error) {
	step, owner, err := e.Repo.GetStep(ctx, stepID)
	if err != nil {
		return step, err
	}
	if owner != missionID {
		return step, fmt.Errorf("step %s not in mission %s", stepID, missionID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return step, err
	}
	defer tx.Rollback()
	skipped, err := e.Repo.SkipStep(ctx, tx, stepID, e.nowRFC3339())
	if err != nil {
		return step, err
	}
	if !skipped {
		return step, fmt.Errorf("step %s already started; only pending steps can be skipped", stepID)
	}
	if _, err := e.Audit.Append(ctx, tx, missionID, audit.Entry{
		Action:     "step.skipped",
		TargetID:   stepID,
		Input:      audit.Payload{"tool": step.Tool, "description": step.Description},
		ApprovedBy: domain.ApprovedByUser,
	}); err != nil {
		return step, err
	}
	if err := tx.Commit(); err != nil {
		return step, err
	}
	step, _, err = e.Repo.GetStep(ctx, stepID)
	return step, err
}

// setCardStatus applies a gate transition and its audit entry in one tx.
func (e *Engine) setCardStatus(ctx context.Context, missionID, cardID, from, to, approvedBy string, extra audit.Payload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePlanCardStatus(ctx, tx, cardID, from, to); err != nil {
		return err
	}
	payload := audit.Payload{"status": to}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := e.Audit.Append(ctx, tx, missionID, audit.Entry{
		Action:     "plan." + to,
		TargetID:   cardID,
		Input:      payload,
		ApprovedBy: approvedBy,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

type stepOutcome struct {
	outputJSON string
	resultText string
	change     string
	artifact   *domain.Artifact
	err        error
}

// recordStep persists the step's terminal state, the per-invocation audit
// entry with literal inputs/outputs, and any artifact, in one tx.
func (e *Engine) recordStep(ctx context.Context, missionID, cardID string, step domain.ExecutionStep, o stepOutcome, approvedBy string) error {
	now := e.nowRFC3339()
	step.Status = domain.StepDone
	step.CompletedAt = &now
	if o.err != nil {
		step.Status = domain.StepFailed
		msg := o.err.Error()
		step.Error = &msg
	} else if o.resultText != "" {
		step.Result = &o.resultText
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStep(ctx, tx, step); err != nil {
		return err
	}
	outputJSON := o.outputJSON
	if o.err != nil {
		b, _ := json.Marshal(map[string]string{"error": o.err.Error()})
		outputJSON = string(b)
	}
	if _, err := e.Audit.AppendRaw(ctx, tx, missionID, "tool."+step.Tool, step.ID, step.ArgsJSON, outputJSON, approvedBy); err != nil {
		return err
	}
	if o.artifact != nil {
		o.artifact.ID = e.newID()
		o.artifact.MissionID = missionID
		o.artifact.PlanCardID = cardID
		o.artifact.CreatedAt = now
		if err := e.Repo.InsertArtifact(ctx, tx, *o.artifact); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// dispatchStep decodes the step's args and invokes the matching tool. The
// switch covers every tool type; hitting default means the plan builder let
// an unknown tool through.
func (e *Engine) dispatchStep(ctx context.Context, step domain.ExecutionStep) stepOutcome {
	fail := func(err error) stepOutcome { return stepOutcome{err: err} }
	switch step.Tool {
	case tools.EmailSearch:
		var args struct {
			Query string `json:"query"`
		}
		if err := decodeArgs(step.ArgsJSON, &args); err != nil {
			return fail(err)
		}
		res, err := e.Tools.EmailSearch(ctx, args.Query)
		if err != nil {
			return fail(err)
		}
		return stepOutcome{
			outputJSON: mustJSON(res),
			resultText: fmt.Sprintf("%d messages", len(res)),
			change:     fmt.Sprintf("Searched mail for %q (%d results)", args.Query, len(res)),
		}
	case tools.EmailRead:
		var args struct {
			MessageID string `json:"message_id"`
		}
		if err := decodeArgs(step.ArgsJSON, &args); err != nil {
			return fail(err)
		}
		msg, err := e.Tools.EmailRead(ctx, args.MessageID)
		if err != nil {
			return fail(err)
		}
		return stepOutcome{
			outputJSON: mustJSON(msg),
			resultText: msg.Subject,
			change:     fmt.Sprintf("Read message %s", args.MessageID),
		}
	case tools.SendEmail:
		var args tools.SendEmailArgs
		if err := decodeArgs(step.ArgsJSON, &args); err != nil {
			return fail(err)
		}
		id, err := e.Tools.SendEmail(ctx, args)
		if err != nil {
			return fail(err)
		}
		return stepOutcome{
			outputJSON: mustJSON(map[string]string{"message_id": id}),
			resultText: id,
			change:     fmt.Sprintf("Sent email %q to %s", args.Subject, strings.Join(args.To, ", ")),
			artifact:   &domain.Artifact{Kind: "message", RefID: id, Label: args.Subject},
		}
	case tools.CreateDraft:
		var args tools.CreateDraftArgs
		if err := decodeArgs(step.ArgsJSON, &args); err != nil {
			return fail(err)
		}
		id, err := e.Tools.CreateDraft(ctx, args)
		if err != nil {
			return fail(err)
		}
		return stepOutcome{
			outputJSON: mustJSON(map[string]string{"draft_id": id}),
			resultText: id,
			change:     fmt.Sprintf("Created draft %q for %s", args.Subject, strings.Join(args.To, ", ")),
			artifact:   &domain.Artifact{Kind: "draft", RefID: id, Label: args.Subject},
		}
	case tools.CalendarAvailability:
		var args tools.AvailabilityArgs
		if err := decodeArgs(step.ArgsJSON, &args); err != nil {
			return fail(err)
		}
		slots, err := e.Tools.CalendarAvailability(ctx, args)
		if err != nil {
			return fail(err)
		}
		return stepOutcome{
			outputJSON: mustJSON(slots),
			resultText: fmt.Sprintf("%d free slots", len(slots)),
			change:     fmt.Sprintf("Checked availability for %s (%d slots)", strings.Join(args.Participants, ", "), len(slots)),
		}
	case tools.CreateMeeting:
		var args tools.CreateMeetingArgs
		if err := decodeArgs(step.ArgsJSON, &args); err != nil {
			return fail(err)
		}
		ref, err := e.Tools.CreateMeeting(ctx, args)
		if err != nil {
			return fail(err)
		}
		return stepOutcome{
			outputJSON: mustJSON(ref),
			resultText: ref.EventID,
			change:     fmt.Sprintf("Scheduled %q at %s", args.Title, args.Slot),
			artifact:   &domain.Artifact{Kind: "event", RefID: ref.EventID, Label: args.Title, URL: ref.JoinLink},
		}
	case tools.ScheduleCheck:
		var args tools.ScheduleCheckArgs
		if err := decodeArgs(step.ArgsJSON, &args); err != nil {
			return fail(err)
		}
		res, err := e.Tools.ScheduleCheck(ctx, args)
		if err != nil {
			return fail(err)
		}
		return stepOutcome{
			outputJSON: mustJSON(res),
			resultText: fmt.Sprintf("ok=%t", res.OK),
			change:     fmt.Sprintf("Checked schedule criteria %q", args.Criteria),
		}
	default:
		return fail(fmt.Errorf("%w: step references unknown tool %q", ErrInvariant, step.Tool))
	}
}

// afterRun refreshes mission bookkeeping once a run terminates.
func (e *Engine) afterRun(ctx context.Context, missionID string, card domain.PlanCard, success bool) error {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	now := e.nowRFC3339()
	m.LastActivityAt = now
	m.UpdatedAt = now
	if success {
		if containsTool(card.Tools, tools.SendEmail) || containsTool(card.Tools, tools.CreateMeeting) {
			m.Status = domain.MissionWaitingOnOther
			m.NextAction = "watch_replies"
			m.NextActionReason = "Plan executed; waiting on the other side to respond"
		} else {
			m.NextAction = "review_result"
			m.NextActionReason = "Plan executed; review the results"
		}
	} else {
		m.Status = domain.MissionNeedsUser
		m.NextAction = "review_failure"
		remaining, err := e.undoneSteps(ctx, card.ID)
		if err != nil {
			return err
		}
		m.NextActionReason = "Execution stopped; still undone: " + strings.Join(remaining, ", ")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) undoneSteps(ctx context.Context, cardID string) ([]string, error) {
	steps, err := e.Repo.ListSteps(ctx, cardID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range steps {
		if s.Status != domain.StepDone {
			out = append(out, s.Description)
		}
	}
	if len(out) == 0 {
		out = []string{"nothing"}
	}
	return out, nil
}

func decodeArgs(argsJSON string, into any) error {
	if argsJSON == "" {
		return errors.New("step has no arguments")
	}
	if err := json.Unmarshal([]byte(argsJSON), into); err != nil {
		return fmt.Errorf("decode step args: %w", err)
	}
	return nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%q", fmt.Sprint(v))
	}
	return string(b)
}

func containsTool(list []string, t string) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

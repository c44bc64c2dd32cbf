package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"mailpilot/internal/config"
	"mailpilot/internal/db"
	"mailpilot/internal/domain"
	"mailpilot/internal/engine"
	"mailpilot/internal/intent"
	"mailpilot/internal/migrate"
	"mailpilot/internal/tools"
)

type testEnv struct {
	Engine *engine.Engine
	Script *tools.Script
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("me@mycorp.com")
	script := tools.NewScript()
	eng := engine.New(conn, cfg, script, intent.Static{Err: intent.ErrUnavailable})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	n := 0
	newID := func() string { n++; return fmt.Sprintf("id-%d", n) }
	eng.NewID = newID
	eng.Plans.Now = eng.Now
	eng.Plans.NewID = newID
	eng.Snapshots.Now = eng.Now
	return testEnv{Engine: eng, Script: script, Ctx: context.Background()}
}

func (env testEnv) classify(raw string) {
	env.Engine.Classifier = intent.Static{Raw: []byte(raw)}
}

// turnJSON builds a classifier response proposing a mission plus a plan card.
func turnJSON(actions []map[string]any, confidence float64, preview map[string]any) string {
	payload := map[string]any{
		"intent_type": "create_mission",
		"mission_proposal": map[string]any{
			"title":        "Close the Acme deal",
			"goal":         "Get the signed contract back",
			"participants": []map[string]any{{"email": "jane@acme.com", "display_name": "Jane"}},
		},
		"plan_card": map[string]any{
			"goal":       "Move the deal forward",
			"confidence": confidence,
			"actions":    actions,
		},
	}
	if preview != nil {
		payload["plan_card"].(map[string]any)["draft_preview"] = preview
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func sendActions() []map[string]any {
	return []map[string]any{
		{"description": "Draft the follow-up", "tool": "email_search", "args_json": `{"query":"from:jane@acme.com"}`},
		{"description": "Send the follow-up", "tool": "send_email", "args_json": `{"to":["jane@acme.com"],"subject":"Contract","body":"Following up."}`},
	}
}

func externalDraftPreview() map[string]any {
	return map[string]any{
		"to":      []string{"jane@acme.com"},
		"subject": "Contract",
		"body":    "Following up on the contract.",
	}
}

func TestTurnProposesFlaggedPlan(t *testing.T) {
	env := newTestEnv(t)
	env.classify(turnJSON(sendActions(), 0.95, externalDraftPreview()))

	res, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "chase the contract"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Mission == nil {
		t.Fatal("mission not created")
	}
	if res.PlanCard == nil {
		t.Fatal("plan card not proposed")
	}
	if res.PlanCard.Status != domain.CardPending {
		t.Fatalf("card status = %q", res.PlanCard.Status)
	}
	// jane is a known participant, but her domain is not ours
	found := false
	for _, f := range res.PlanCard.RiskFlags {
		if f == domain.RiskExternalDomain {
			found = true
		}
		if f == domain.RiskNewRecipient {
			t.Fatal("known participant flagged as new recipient")
		}
	}
	if !found {
		t.Fatalf("risk flags = %v, want external_domain", res.PlanCard.RiskFlags)
	}
	if res.PlanCard.AutoApprovable || res.Executed != nil {
		t.Fatal("flagged write plan must wait for human approval")
	}
	entries, err := env.Engine.AuditLog(env.Ctx, res.Mission.ID, 0)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	actions := auditActions(entries)
	if !contains(actions, "mission.created") || !contains(actions, "plan.proposed") {
		t.Fatalf("audit actions = %v", actions)
	}
}

func TestApproveAndExecute(t *testing.T) {
	env := newTestEnv(t)
	env.classify(turnJSON(sendActions(), 0.95, externalDraftPreview()))
	res, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "chase the contract"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	missionID, cardID := res.Mission.ID, res.PlanCard.ID

	card, err := env.Engine.ApproveCard(env.Ctx, missionID, cardID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if card.Status != domain.CardApproved {
		t.Fatalf("status = %q", card.Status)
	}
	steps, err := env.Engine.Repo.ListSteps(env.Ctx, cardID)
	if err != nil || len(steps) != 2 {
		t.Fatalf("steps = %v err = %v", steps, err)
	}
	for _, s := range steps {
		if s.Status != domain.StepPending {
			t.Fatalf("step %d status = %q", s.Position, s.Status)
		}
	}

	env.Script.Queue(tools.EmailSearch, []tools.MessageSummary{{ID: "m-1", Subject: "Contract"}})
	env.Script.Queue(tools.SendEmail, "sent-99")
	result, err := env.Engine.Execute(env.Ctx, missionID, cardID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Artifacts) != 1 || result.Artifacts[0].Kind != "message" || result.Artifacts[0].RefID != "sent-99" {
		t.Fatalf("artifacts = %+v", result.Artifacts)
	}
	if result.NextMonitoring == nil {
		t.Fatal("send plan should schedule monitoring data")
	}

	final, err := env.Engine.Repo.GetPlanCard(env.Ctx, cardID)
	if err != nil || final.Status != domain.CardDone {
		t.Fatalf("card = %+v err = %v", final, err)
	}
	m, err := env.Engine.GetMission(env.Ctx, missionID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if m.Status != domain.MissionWaitingOnOther {
		t.Fatalf("mission status = %q", m.Status)
	}

	entries, _ := env.Engine.AuditLog(env.Ctx, missionID, 0)
	var toolEntries []domain.AuditLogEntry
	for _, e := range entries {
		if strings.HasPrefix(e.Action, "tool.") {
			toolEntries = append(toolEntries, e)
		}
	}
	if len(toolEntries) != 2 {
		t.Fatalf("tool audit entries = %d", len(toolEntries))
	}
	if toolEntries[1].Action != "tool.send_email" {
		t.Fatalf("second tool entry = %q", toolEntries[1].Action)
	}
	if !strings.Contains(toolEntries[1].InputJSON, "jane@acme.com") {
		t.Fatalf("audit input not literal: %q", toolEntries[1].InputJSON)
	}
	if !strings.Contains(toolEntries[1].OutputJSON, "sent-99") {
		t.Fatalf("audit output not literal: %q", toolEntries[1].OutputJSON)
	}
}

func TestExecutionFailureStopsRun(t *testing.T) {
	env := newTestEnv(t)
	actions := []map[string]any{
		{"description": "Search", "tool": "email_search", "args_json": `{"query":"q"}`},
		{"description": "Send", "tool": "send_email", "args_json": `{"to":["jane@acme.com"],"subject":"s","body":"b"}`},
		{"description": "Read the reply", "tool": "email_read", "args_json": `{"message_id":"m-1"}`},
	}
	env.classify(turnJSON(actions, 0.95, externalDraftPreview()))
	res, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "go"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	missionID, cardID := res.Mission.ID, res.PlanCard.ID
	if _, err := env.Engine.ApproveCard(env.Ctx, missionID, cardID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	env.Script.Queue(tools.EmailSearch, []tools.MessageSummary{{ID: "m-1"}})
	env.Script.QueueError(tools.SendEmail, errors.New("smtp: connection refused"))
	result, err := env.Engine.Execute(env.Ctx, missionID, cardID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("run should have failed")
	}
	if result.Error == "" {
		t.Fatal("result missing error")
	}

	steps, _ := env.Engine.Repo.ListSteps(env.Ctx, cardID)
	if steps[0].Status != domain.StepDone {
		t.Fatalf("step 0 = %q", steps[0].Status)
	}
	if steps[1].Status != domain.StepFailed {
		t.Fatalf("step 1 = %q", steps[1].Status)
	}
	if steps[2].Status != domain.StepPending {
		t.Fatalf("step 2 = %q; failed runs must not touch later steps", steps[2].Status)
	}

	card, _ := env.Engine.Repo.GetPlanCard(env.Ctx, cardID)
	if card.Status != domain.CardFailed {
		t.Fatalf("card = %q", card.Status)
	}
	m, _ := env.Engine.GetMission(env.Ctx, missionID)
	if m.Status != domain.MissionNeedsUser {
		t.Fatalf("mission = %q", m.Status)
	}
	if !strings.Contains(m.NextActionReason, "Read the reply") {
		t.Fatalf("next action reason = %q", m.NextActionReason)
	}

	entries, _ := env.Engine.AuditLog(env.Ctx, missionID, 0)
	toolCount := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Action, "tool.") {
			toolCount++
		}
	}
	// one for the success, one for the failure; the unreached step logs nothing
	if toolCount != 2 {
		t.Fatalf("tool audit entries = %d", toolCount)
	}
}

func TestAutopilotPureReadPlan(t *testing.T) {
	env := newTestEnv(t)
	actions := []map[string]any{
		{"description": "Search the inbox", "tool": "email_search", "args_json": `{"query":"from:jane"}`},
		{"description": "Check availability", "tool": "calendar_availability", "args_json": `{"participants":["jane@acme.com"],"window_start":"2026-03-02T09:00:00Z","window_end":"2026-03-06T17:00:00Z"}`},
	}
	env.classify(turnJSON(actions, 0.2, nil))
	env.Script.Queue(tools.EmailSearch, []tools.MessageSummary{{ID: "m-1"}})
	env.Script.Queue(tools.CalendarAvailability, []tools.Slot{{Start: "2026-03-02T10:00:00Z", End: "2026-03-02T11:00:00Z"}})

	res, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "when is jane free"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Executed == nil || !res.Executed.Success {
		t.Fatalf("pure-read plan should auto-run: %+v", res.Executed)
	}
	if res.PlanCard.Status != domain.CardDone {
		t.Fatalf("card = %q", res.PlanCard.Status)
	}

	entries, _ := env.Engine.AuditLog(env.Ctx, res.Mission.ID, 0)
	for _, e := range entries {
		if e.Action == "plan.approved" && e.ApprovedBy != domain.ApprovedByAutopilot {
			t.Fatalf("approval attributed to %q", e.ApprovedBy)
		}
		if strings.HasPrefix(e.Action, "tool.") && e.ApprovedBy != domain.ApprovedByAutopilot {
			t.Fatalf("tool call attributed to %q", e.ApprovedBy)
		}
	}
}

func TestNewProposalSupersedesPending(t *testing.T) {
	env := newTestEnv(t)
	env.classify(turnJSON(sendActions(), 0.95, externalDraftPreview()))
	first, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "chase"})
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	missionID := first.Mission.ID

	payload := map[string]any{
		"intent_type": "multi_step_plan",
		"plan_card": map[string]any{
			"goal":       "Softer follow-up",
			"confidence": 0.9,
			"actions":    sendActions(),
			"draft_preview": map[string]any{
				"to": []string{"jane@acme.com"}, "subject": "Checking in", "body": "No rush.",
			},
		},
	}
	b, _ := json.Marshal(payload)
	env.classify(string(b))
	second, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{MissionID: missionID, Text: "make it softer"})
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}

	pending, err := env.Engine.Repo.PendingCard(env.Ctx, missionID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending.ID != second.PlanCard.ID {
		t.Fatalf("pending card = %s, want %s", pending.ID, second.PlanCard.ID)
	}
	// the first card is parked, not rewritten
	old, err := env.Engine.Repo.GetPlanCard(env.Ctx, first.PlanCard.ID)
	if err != nil {
		t.Fatalf("old card: %v", err)
	}
	if old.Status != domain.CardPending {
		t.Fatalf("old card status = %q", old.Status)
	}
	if old.SupersededBy == nil || *old.SupersededBy != second.PlanCard.ID {
		t.Fatalf("old card superseded_by = %v", old.SupersededBy)
	}
	if _, err := env.Engine.ApproveCard(env.Ctx, missionID, old.ID); err == nil {
		t.Fatal("approving a superseded card should fail")
	}
	if _, err := env.Engine.ApproveCard(env.Ctx, missionID, second.PlanCard.ID); err != nil {
		t.Fatalf("approve new: %v", err)
	}
	entries, _ := env.Engine.AuditLog(env.Ctx, missionID, 0)
	if !contains(auditActions(entries), "plan.superseded") {
		t.Fatalf("audit = %v", auditActions(entries))
	}
}

func TestTurnFailsWhenPendingCardUnreadable(t *testing.T) {
	env := newTestEnv(t)
	env.classify(turnJSON(sendActions(), 0.95, externalDraftPreview()))
	res, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "chase"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	missionID := res.Mission.ID
	// corrupt the pending card so it can no longer be read back
	if _, err := env.Engine.DB.Exec(`UPDATE plan_cards SET steps_json='not json' WHERE id=?`, res.PlanCard.ID); err != nil {
		t.Fatalf("corrupt card: %v", err)
	}

	env.classify(turnJSON(sendActions(), 0.95, externalDraftPreview()))
	if _, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{MissionID: missionID, Text: "again"}); err == nil {
		t.Fatal("turn should fail rather than leave two approvable pending cards")
	}
	var n int
	if err := env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM plan_cards WHERE mission_id=?`, missionID).Scan(&n); err != nil {
		t.Fatalf("count cards: %v", err)
	}
	if n != 1 {
		t.Fatalf("plan cards = %d, want 1", n)
	}
}

func TestPlanCardStatusUpdateIsGuarded(t *testing.T) {
	env := newTestEnv(t)
	env.classify(turnJSON(sendActions(), 0.95, externalDraftPreview()))
	res, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "chase"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if _, err := env.Engine.ApproveCard(env.Ctx, res.Mission.ID, res.PlanCard.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// a caller that still believes the card is pending loses the race
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = env.Engine.Repo.UpdatePlanCardStatus(env.Ctx, tx, res.PlanCard.ID, domain.CardPending, domain.CardApproved)
	if err == nil {
		t.Fatal("stale pending -> approved update should fail")
	}
}

func TestRejectedCardCannotRun(t *testing.T) {
	env := newTestEnv(t)
	env.classify(turnJSON(sendActions(), 0.95, externalDraftPreview()))
	res, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "chase"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	card, err := env.Engine.RejectCard(env.Ctx, res.Mission.ID, res.PlanCard.ID, "wrong tone")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if card.Status != domain.CardRejected {
		t.Fatalf("status = %q", card.Status)
	}
	if _, err := env.Engine.ApproveCard(env.Ctx, res.Mission.ID, res.PlanCard.ID); err == nil {
		t.Fatal("approve after reject should fail")
	}
	if _, err := env.Engine.Execute(env.Ctx, res.Mission.ID, res.PlanCard.ID); err == nil {
		t.Fatal("execute of rejected card should fail")
	}
}

func TestExecuteRequiresApproval(t *testing.T) {
	env := newTestEnv(t)
	env.classify(turnJSON(sendActions(), 0.95, externalDraftPreview()))
	res, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "chase"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if _, err := env.Engine.Execute(env.Ctx, res.Mission.ID, res.PlanCard.ID); err == nil {
		t.Fatal("executing a pending card should fail")
	}
}

type slowDispatcher struct {
	*tools.Script
	started chan struct{}
	release chan struct{}
}

func (d *slowDispatcher) EmailSearch(ctx context.Context, query string) ([]tools.MessageSummary, error) {
	select {
	case d.started <- struct{}{}:
	default:
	}
	<-d.release
	return d.Script.EmailSearch(ctx, query)
}

func TestConcurrentExecuteRejected(t *testing.T) {
	env := newTestEnv(t)
	env.classify(turnJSON(sendActions(), 0.95, externalDraftPreview()))
	res, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "chase"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	missionID, cardID := res.Mission.ID, res.PlanCard.ID
	if _, err := env.Engine.ApproveCard(env.Ctx, missionID, cardID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	slow := &slowDispatcher{
		Script:  env.Script,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	env.Engine.Tools = slow
	env.Script.Queue(tools.EmailSearch, []tools.MessageSummary{})
	env.Script.Queue(tools.SendEmail, "sent-1")

	done := make(chan error, 1)
	go func() {
		_, err := env.Engine.Execute(env.Ctx, missionID, cardID)
		done <- err
	}()
	<-slow.started

	_, err = env.Engine.Execute(env.Ctx, missionID, cardID)
	if !errors.Is(err, engine.ErrAlreadyExecuting) {
		t.Fatalf("second execute err = %v, want ErrAlreadyExecuting", err)
	}

	close(slow.release)
	if err := <-done; err != nil {
		t.Fatalf("first execute: %v", err)
	}

	// the run slot is clear once the run finished: a late caller gets the
	// card's transition error, never a stale in-flight rejection
	_, err = env.Engine.Execute(env.Ctx, missionID, cardID)
	if err == nil || errors.Is(err, engine.ErrAlreadyExecuting) {
		t.Fatalf("execute after completion err = %v", err)
	}
}

func TestSkipStepAndMissionDoneGuard(t *testing.T) {
	env := newTestEnv(t)
	env.classify(turnJSON(sendActions(), 0.95, externalDraftPreview()))
	res, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "chase"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	missionID, cardID := res.Mission.ID, res.PlanCard.ID
	if _, err := env.Engine.ApproveCard(env.Ctx, missionID, cardID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// open steps block completion
	if _, err := env.Engine.SetMissionStatus(env.Ctx, missionID, domain.MissionDone, "tester"); err == nil {
		t.Fatal("mission done should be blocked by open steps")
	}

	steps, _ := env.Engine.Repo.ListSteps(env.Ctx, cardID)
	for _, s := range steps {
		skipped, err := env.Engine.SkipStep(env.Ctx, missionID, s.ID)
		if err != nil {
			t.Fatalf("skip %s: %v", s.ID, err)
		}
		if skipped.Status != domain.StepDone || skipped.Result == nil || *skipped.Result != "skipped by user" {
			t.Fatalf("skipped step = %+v", skipped)
		}
	}
	// skipping twice fails: the step already left pending
	if _, err := env.Engine.SkipStep(env.Ctx, missionID, steps[0].ID); err == nil {
		t.Fatal("second skip should fail")
	}
	if _, err := env.Engine.SetMissionStatus(env.Ctx, missionID, domain.MissionDone, "tester"); err != nil {
		t.Fatalf("mission done after skips: %v", err)
	}
}

func TestClarificationsBlockPlan(t *testing.T) {
	env := newTestEnv(t)
	env.classify(turnJSON(sendActions(), 0.95, externalDraftPreview()))
	res, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "chase"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	missionID := res.Mission.ID

	env.classify(`{"intent_type": "ask_question", "required_clarifications": ["Which contract version?"]}`)
	second, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{MissionID: missionID, Text: "send the contract"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if len(second.Clarifications) != 1 || second.PlanCard != nil {
		t.Fatalf("result = %+v", second)
	}
	if second.Mission.Status != domain.MissionNeedsUser {
		t.Fatalf("mission = %q", second.Mission.Status)
	}
}

func TestClarificationsWithoutMission(t *testing.T) {
	env := newTestEnv(t)
	env.classify(`{"intent_type": "ask_question", "required_clarifications": ["Which thread with Sarah?"]}`)
	res, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "follow up with Sarah about the contract"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if len(res.Clarifications) != 1 || res.PlanCard != nil || res.Mission != nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestTurnDegradesWhenClassifierUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Classifier = intent.Static{Err: intent.ErrUnavailable}
	res, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "hello"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if !res.Degraded || res.Reply == "" || res.PlanCard != nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestTurnDegradesOnMalformedClassifierOutput(t *testing.T) {
	env := newTestEnv(t)
	env.classify(`{"intent_type": "execute_action", "surprise": 1}`)
	res, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "do it"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if !res.Degraded || res.PlanCard != nil {
		t.Fatalf("malformed output must never yield a card: %+v", res)
	}
}

func TestMissionTransitions(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, domain.MissionProposal{Title: "t", Goal: "g"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.SetMissionStatus(env.Ctx, m.ID, domain.MissionWaitingOnOther, "tester"); err != nil {
		t.Fatalf("to waiting: %v", err)
	}
	if _, err := env.Engine.SetMissionStatus(env.Ctx, m.ID, domain.MissionDone, "tester"); err != nil {
		t.Fatalf("to done: %v", err)
	}
	// done only exits to archived
	if _, err := env.Engine.SetMissionStatus(env.Ctx, m.ID, domain.MissionActive, "tester"); err == nil {
		t.Fatal("done -> active should fail")
	}
	if _, err := env.Engine.ArchiveMission(env.Ctx, m.ID, "tester"); err != nil {
		t.Fatalf("archive: %v", err)
	}
}

func TestAuditLogAppendOnlyOrdering(t *testing.T) {
	env := newTestEnv(t)
	env.classify(turnJSON(sendActions(), 0.95, externalDraftPreview()))
	res, err := env.Engine.HandleTurn(env.Ctx, engine.TurnOptions{Text: "chase"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	missionID := res.Mission.ID
	before, _ := env.Engine.AuditLog(env.Ctx, missionID, 0)
	if _, err := env.Engine.ApproveCard(env.Ctx, missionID, res.PlanCard.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	after, _ := env.Engine.AuditLog(env.Ctx, missionID, 0)
	if len(after) <= len(before) {
		t.Fatalf("log did not grow: %d -> %d", len(before), len(after))
	}
	length, err := env.Engine.Repo.AuditLogLength(env.Ctx, missionID)
	if err != nil {
		t.Fatalf("audit length: %v", err)
	}
	if length != len(after) {
		t.Fatalf("length = %d, entries = %d", length, len(after))
	}
	for i, e := range after[:len(before)] {
		if e.ID != before[i].ID || e.Action != before[i].Action {
			t.Fatalf("existing entry changed at %d: %+v vs %+v", i, before[i], e)
		}
	}
	for i := 1; i < len(after); i++ {
		if after[i].ID <= after[i-1].ID {
			t.Fatalf("ids not strictly increasing at %d", i)
		}
	}
}

func auditActions(entries []domain.AuditLogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

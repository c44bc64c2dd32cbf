package plan_test

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"mailpilot/internal/domain"
	"mailpilot/internal/plan"
	"mailpilot/internal/tools"
)

func newBuilder() plan.Builder {
	b := plan.New(0.9)
	b.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	n := 0
	b.NewID = func() string { n++; return fmt.Sprintf("card-%d", n) }
	return b
}

func readAction(desc string) domain.PlanAction {
	return domain.PlanAction{Description: desc, Tool: tools.EmailSearch, ArgsJSON: `{"query":"x"}`}
}

func sendAction(desc string) domain.PlanAction {
	return domain.PlanAction{Description: desc, Tool: tools.SendEmail, ArgsJSON: `{"to":["a@b.com"],"subject":"s","body":"b"}`}
}

func TestBuildPadsToMinimumSteps(t *testing.T) {
	b := newBuilder()
	card, err := b.Build("m-1", domain.PlanCard{
		Goal:       "Find the latest offer",
		Confidence: 0.8,
		Actions:    []domain.PlanAction{readAction("Search the inbox")},
	}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(card.Steps) != plan.MinSteps {
		t.Fatalf("steps = %v", card.Steps)
	}
	if card.Status != domain.CardPending {
		t.Fatalf("status = %q", card.Status)
	}
}

func TestBuildFoldsOverflowSteps(t *testing.T) {
	b := newBuilder()
	var steps []string
	for i := 0; i < 8; i++ {
		steps = append(steps, fmt.Sprintf("Step %d", i))
	}
	card, err := b.Build("m-1", domain.PlanCard{
		Goal:       "Big plan",
		Confidence: 0.8,
		Steps:      steps,
		Actions:    []domain.PlanAction{readAction("Search")},
	}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(card.Steps) != plan.MaxSteps {
		t.Fatalf("steps = %d, want %d", len(card.Steps), plan.MaxSteps)
	}
}

func TestBuildDiscardsCandidateStatusAndID(t *testing.T) {
	b := newBuilder()
	card, err := b.Build("m-1", domain.PlanCard{
		ID:             "attacker-chosen",
		Status:         domain.CardApproved,
		AutoApprovable: true,
		Goal:           "Send the contract",
		Confidence:     0.5,
		Actions:        []domain.PlanAction{sendAction("Send it")},
	}, []string{domain.RiskExternalDomain})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if card.ID == "attacker-chosen" {
		t.Fatal("candidate id survived")
	}
	if card.Status != domain.CardPending {
		t.Fatalf("status = %q", card.Status)
	}
	if card.AutoApprovable {
		t.Fatal("flagged write plan marked auto-approvable")
	}
}

func TestBuildRejectsUnknownTool(t *testing.T) {
	b := newBuilder()
	_, err := b.Build("m-1", domain.PlanCard{
		Goal:       "g",
		Confidence: 0.5,
		Actions:    []domain.PlanAction{{Tool: "delete_mailbox"}},
	}, nil)
	if err == nil {
		t.Fatal("expected unknown tool error")
	}
}

func TestPureReadPlansAlwaysAutoApprovable(t *testing.T) {
	b := newBuilder()
	card, err := b.Build("m-1", domain.PlanCard{
		Goal:       "Check the calendar",
		Confidence: 0.1, // low confidence is irrelevant for pure reads
		Actions: []domain.PlanAction{
			readAction("Search"),
			{Description: "Check availability", Tool: tools.CalendarAvailability, ArgsJSON: `{"participants":["a@b.com"],"window_start":"x","window_end":"y"}`},
		},
	}, []string{domain.RiskMoneyLegal})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !card.AutoApprovable {
		t.Fatal("pure-read plan should auto-approve")
	}
}

func TestWritePlanNeedsConfidenceAndZeroFlags(t *testing.T) {
	b := newBuilder()
	low, err := b.Build("m-1", domain.PlanCard{
		Goal:       "Send update",
		Confidence: 0.85,
		Actions:    []domain.PlanAction{sendAction("Send")},
	}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if low.AutoApprovable {
		t.Fatal("confidence below threshold should not auto-approve")
	}
	high, err := b.Build("m-1", domain.PlanCard{
		Goal:       "Send update",
		Confidence: 0.95,
		Actions:    []domain.PlanAction{sendAction("Send")},
	}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !high.AutoApprovable {
		t.Fatal("flag-free confident write plan should auto-approve")
	}
}

func TestToolSetDeduplicatedSorted(t *testing.T) {
	b := newBuilder()
	card, err := b.Build("m-1", domain.PlanCard{
		Goal:       "g",
		Confidence: 0.5,
		Actions: []domain.PlanAction{
			sendAction("one"),
			sendAction("two"),
			readAction("three"),
		},
	}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []string{tools.EmailSearch, tools.SendEmail}
	if len(card.Tools) != len(want) || card.Tools[0] != want[0] || card.Tools[1] != want[1] {
		t.Fatalf("tools = %v, want %v", card.Tools, want)
	}
}

func TestStepCountAlwaysInBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := newBuilder()
		nActions := rapid.IntRange(1, 10).Draw(t, "n_actions")
		var actions []domain.PlanAction
		for i := 0; i < nActions; i++ {
			actions = append(actions, readAction(fmt.Sprintf("Action %d", i)))
		}
		steps := rapid.SliceOfN(rapid.StringN(0, 30, 30), 0, 12).Draw(t, "steps")
		card, err := b.Build("m-1", domain.PlanCard{
			Goal:       "g",
			Confidence: rapid.Float64Range(0, 1).Draw(t, "confidence"),
			Steps:      steps,
			Actions:    actions,
		}, nil)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if len(card.Steps) < plan.MinSteps || len(card.Steps) > plan.MaxSteps {
			t.Fatalf("steps out of bounds: %d", len(card.Steps))
		}
	})
}

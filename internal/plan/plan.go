// Package plan assembles the user-facing plan card: the single artifact a
// human approves or rejects before anything with a side effect runs.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailpilot/internal/domain"
	"mailpilot/internal/tools"
)

// Steps are display bullets with a hard readability ceiling.
const (
	MinSteps = 2
	MaxSteps = 5
)

type Builder struct {
	// AutoApproveConfidence is the floor below which a flag-free write plan
	// still needs a human.
	AutoApproveConfidence float64
	Now                   func() time.Time
	NewID                 func() string
}

func New(autoApproveConfidence float64) Builder {
	return Builder{
		AutoApproveConfidence: autoApproveConfidence,
		Now:                   time.Now,
		NewID:                 func() string { return uuid.New().String() },
	}
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b Builder) newID() string {
	if b.NewID != nil {
		return b.NewID()
	}
	return uuid.New().String()
}

// Build finalizes a candidate card into a pending plan card with the given
// risk flags attached. The candidate's status, id and auto-approval marks
// are discarded; only the builder decides those.
func (b Builder) Build(missionID string, candidate domain.PlanCard, riskFlags []string) (domain.PlanCard, error) {
	if candidate.Goal == "" {
		return domain.PlanCard{}, errors.New("plan goal required")
	}
	if len(candidate.Actions) == 0 {
		return domain.PlanCard{}, errors.New("plan has no actions")
	}
	for _, a := range candidate.Actions {
		if !tools.Known(a.Tool) {
			return domain.PlanCard{}, fmt.Errorf("unknown tool %q in plan", a.Tool)
		}
	}
	if candidate.Confidence < 0 || candidate.Confidence > 1 {
		return domain.PlanCard{}, fmt.Errorf("confidence %v outside [0,1]", candidate.Confidence)
	}
	steps, err := normalizeSteps(candidate.Steps, candidate.Actions)
	if err != nil {
		return domain.PlanCard{}, err
	}
	if riskFlags == nil {
		riskFlags = []string{}
	}
	card := domain.PlanCard{
		ID:               b.newID(),
		MissionID:        missionID,
		Goal:             candidate.Goal,
		Steps:            steps,
		Tools:            toolSet(candidate.Actions),
		Actions:          candidate.Actions,
		DraftPreview:     candidate.DraftPreview,
		InvitePreview:    candidate.InvitePreview,
		RiskFlags:        riskFlags,
		Status:           domain.CardPending,
		Confidence:       candidate.Confidence,
		Assumptions:      candidate.Assumptions,
		QuestionsForUser: candidate.QuestionsForUser,
		CreatedAt:        b.now().UTC().Format(time.RFC3339),
	}
	card.AutoApprovable = b.autoApprovable(card)
	return card, nil
}

// autoApprovable: pure-read plans always qualify, risk flags concern write
// actions only. Write plans qualify only with zero flags and sufficient
// confidence; a flagged write plan can never auto-approve.
func (b Builder) autoApprovable(card domain.PlanCard) bool {
	if !hasWriteTool(card.Tools) {
		return true
	}
	if len(card.RiskFlags) > 0 {
		return false
	}
	return card.Confidence >= b.AutoApproveConfidence
}

func hasWriteTool(toolTypes []string) bool {
	for _, t := range toolTypes {
		if tools.HasSideEffects(t) {
			return true
		}
	}
	return false
}

// normalizeSteps enforces the 2-5 bullet ceiling. Missing bullets are
// derived from action descriptions; overflow is folded into a tail summary.
func normalizeSteps(steps []string, actions []domain.PlanAction) ([]string, error) {
	var out []string
	for _, s := range steps {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		for _, a := range actions {
			if d := strings.TrimSpace(a.Description); d != "" {
				out = append(out, d)
			}
		}
	}
	if len(out) < MinSteps {
		// pad from actions, then with a closing bullet
		for _, a := range actions {
			if len(out) >= MinSteps {
				break
			}
			d := strings.TrimSpace(a.Description)
			if d != "" && !contains(out, d) {
				out = append(out, d)
			}
		}
		for len(out) < MinSteps {
			out = append(out, "Report the result back here")
		}
	}
	if len(out) > MaxSteps {
		folded := strings.Join(out[MaxSteps-1:], "; ")
		out = append(out[:MaxSteps-1], "Then: "+folded)
	}
	if len(out) < MinSteps || len(out) > MaxSteps {
		return nil, fmt.Errorf("plan must have %d-%d steps, got %d", MinSteps, MaxSteps, len(out))
	}
	return out, nil
}

func toolSet(actions []domain.PlanAction) []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range actions {
		if !seen[a.Tool] {
			seen[a.Tool] = true
			out = append(out, a.Tool)
		}
	}
	sort.Strings(out)
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

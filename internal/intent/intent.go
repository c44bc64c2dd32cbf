// Package intent adapts the external language model into the closed
// StructuredIntent shape. The model's raw output is parsed strictly at this
// boundary; anything that violates the contract is rejected here, before it
// can reach the plan builder.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"mailpilot/internal/domain"
)

// ErrUnavailable means the external model could not be reached. Callers
// degrade to plain clarification text; they never invent a plan card.
var ErrUnavailable = errors.New("intent classifier unavailable")

// Request is the context handed to the classifier for one chat turn.
type Request struct {
	Text         string                  `json:"text"`
	Mission      *domain.Mission         `json:"mission,omitempty"`
	Snapshots    []domain.ThreadSnapshot `json:"snapshots,omitempty"`
	Participants []domain.Participant    `json:"participants,omitempty"`
}

// Classifier is the external model boundary: text plus context in, raw
// structured-intent JSON out.
type Classifier interface {
	Classify(ctx context.Context, req Request) (json.RawMessage, error)
}

// Adapter wraps a Classifier with the validating parse.
type Adapter struct {
	Classifier Classifier
}

func (a Adapter) Classify(ctx context.Context, req Request) (domain.StructuredIntent, error) {
	raw, err := a.Classifier.Classify(ctx, req)
	if err != nil {
		return domain.StructuredIntent{}, err
	}
	return Parse(raw)
}

// Parse decodes raw model output into a StructuredIntent, rejecting unknown
// fields and contract violations.
func Parse(raw []byte) (domain.StructuredIntent, error) {
	var si domain.StructuredIntent
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&si); err != nil {
		return domain.StructuredIntent{}, fmt.Errorf("parse structured intent: %w", err)
	}
	if err := Validate(si); err != nil {
		return domain.StructuredIntent{}, err
	}
	return si, nil
}

// Validate enforces the classifier contract on an already-decoded intent.
func Validate(si domain.StructuredIntent) error {
	switch si.IntentType {
	case domain.IntentCreateMission, domain.IntentUpdateMission, domain.IntentAskQuestion,
		domain.IntentExecuteAction, domain.IntentMultiStepPlan:
	default:
		return fmt.Errorf("unknown intent_type %q", si.IntentType)
	}
	// Open clarifications are the one thing that blocks plan construction;
	// a classifier emitting both is broken.
	if len(si.RequiredClarifications) > 0 && si.PlanCard != nil {
		return errors.New("classifier emitted a plan card alongside required clarifications")
	}
	if si.IntentType == domain.IntentCreateMission && si.MissionProposal == nil {
		return errors.New("create_mission intent missing mission_proposal")
	}
	if p := si.MissionProposal; p != nil {
		if p.Title == "" {
			return errors.New("mission proposal missing title")
		}
		if p.Goal == "" {
			return errors.New("mission proposal missing goal")
		}
	}
	if card := si.PlanCard; card != nil {
		if card.Goal == "" {
			return errors.New("plan card missing goal")
		}
		if card.Confidence < 0 || card.Confidence > 1 {
			return fmt.Errorf("plan card confidence %v outside [0,1]", card.Confidence)
		}
		if len(card.Actions) == 0 {
			return errors.New("plan card has no actions")
		}
	}
	return nil
}

// Static is a canned classifier for tests and offline degradation.
type Static struct {
	Raw json.RawMessage
	Err error
}

func (s Static) Classify(ctx context.Context, req Request) (json.RawMessage, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Raw, nil
}

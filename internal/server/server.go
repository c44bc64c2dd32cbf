// Package server exposes the mission engine over HTTP. Every error crosses
// the wire in one envelope shape; JWT bearer auth covers everything except
// the health probe.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"mailpilot/internal/domain"
	"mailpilot/internal/engine"
	"mailpilot/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"mission not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the MailPilot API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("MailPilot API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerMissions(group, cfg.Engine)
	registerTurn(group, cfg.Engine)
	registerPlans(group, cfg.Engine)
	registerSteps(group, cfg.Engine)
	registerAudit(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrAlreadyExecuting) {
		return newAPIError(http.StatusConflict, "already_executing", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvariant) {
		return newAPIError(http.StatusUnprocessableEntity, "invariant_violation", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"),
		strings.Contains(lowered, "already started"),
		strings.Contains(lowered, "superseded"),
		strings.Contains(lowered, "still"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMissions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"active,waiting_on_other,needs_user,done,archived"`
		Priority string `query:"priority" enum:"high,normal,low"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.MissionSummary `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListMissions(ctx, repo.MissionFilters{
			Status:   input.Status,
			Priority: input.Priority,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.MissionSummary{}
		}
		return &struct {
			Body []domain.MissionSummary `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-mission-status",
		Method:      http.MethodPatch,
		Path:        "/missions/{mission_id}/status",
		Summary:     "Update mission status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string                  `path:"mission_id"`
		Body      SetMissionStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		m, err := e.SetMissionStatus(ctx, input.MissionID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/archive",
		Summary:     "Archive mission",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ArchiveMission(ctx, input.MissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})
}

func registerTurn(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "turn",
		Method:      http.MethodPost,
		Path:        "/turns",
		Summary:     "Handle a chat turn",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body TurnRequest `json:"body"`
	}) (*struct {
		Body engine.TurnResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Text == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		res, err := e.HandleTurn(ctx, engine.TurnOptions{
			MissionID: input.Body.MissionID,
			Text:      input.Body.Text,
			ThreadIDs: input.Body.ThreadIDs,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TurnResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerPlans(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-plan",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/plans/{card_id}/approve",
		Summary:     "Approve a pending plan card",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string             `path:"mission_id"`
		CardID    string             `path:"card_id"`
		Body      ApproveCardRequest `json:"body"`
	}) (*struct {
		Body struct {
			PlanCard domain.PlanCard         `json:"plan_card"`
			Executed *domain.ExecutionResult `json:"executed,omitempty"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		card, err := e.ApproveCard(ctx, input.MissionID, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				PlanCard domain.PlanCard         `json:"plan_card"`
				Executed *domain.ExecutionResult `json:"executed,omitempty"`
			} `json:"body"`
		}{}
		out.Body.PlanCard = card
		if input.Body.Execute {
			result, err := e.Execute(ctx, input.MissionID, input.CardID)
			if err != nil {
				return nil, handleError(err)
			}
			out.Body.Executed = &result
			if card, err = e.Repo.GetPlanCard(ctx, input.CardID); err == nil {
				out.Body.PlanCard = card
			}
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-plan",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/plans/{card_id}/reject",
		Summary:     "Reject a pending plan card",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string            `path:"mission_id"`
		CardID    string            `path:"card_id"`
		Body      RejectCardRequest `json:"body"`
	}) (*struct {
		Body domain.PlanCard `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		card, err := e.RejectCard(ctx, input.MissionID, input.CardID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PlanCard `json:"body"`
		}{Body: card}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-plan",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/plans/{card_id}/execute",
		Summary:     "Execute an approved plan card",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		CardID    string `path:"card_id"`
	}) (*struct {
		Body domain.ExecutionResult `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		result, err := e.Execute(ctx, input.MissionID, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionResult `json:"body"`
		}{Body: result}, nil
	})
}

func registerSteps(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "skip-step",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/steps/{step_id}/skip",
		Summary:     "Skip a pending execution step",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		StepID    string `path:"step_id"`
	}) (*struct {
		Body domain.ExecutionStep `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		step, err := e.SkipStep(ctx, input.MissionID, input.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionStep `json:"body"`
		}{Body: step}, nil
	})
}

func registerAudit(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "mission-audit-log",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/audit",
		Summary:     "Mission audit log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		Limit     int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.AuditLogEntry `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		entries, err := e.AuditLog(ctx, input.MissionID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.AuditLogEntry{}
		}
		return &struct {
			Body []domain.AuditLogEntry `json:"body"`
		}{Body: entries}, nil
	})
}

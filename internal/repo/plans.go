package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"mailpilot/internal/domain"
)

func (r Repo) InsertPlanCard(ctx context.Context, tx *sql.Tx, card domain.PlanCard) error {
	stepsJSON, err := marshalJSON(card.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	toolsJSON, err := marshalJSON(card.Tools)
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}
	flagsJSON, err := marshalJSON(card.RiskFlags)
	if err != nil {
		return fmt.Errorf("marshal risk flags: %w", err)
	}
	actionsJSON, err := marshalOptional(card.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	draftJSON, err := marshalOptional(card.DraftPreview)
	if err != nil {
		return fmt.Errorf("marshal draft preview: %w", err)
	}
	inviteJSON, err := marshalOptional(card.InvitePreview)
	if err != nil {
		return fmt.Errorf("marshal invite preview: %w", err)
	}
	assumptionsJSON, err := marshalOptional(card.Assumptions)
	if err != nil {
		return fmt.Errorf("marshal assumptions: %w", err)
	}
	questionsJSON, err := marshalOptional(card.QuestionsForUser)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO plan_cards(id,mission_id,goal,steps_json,tools_json,actions_json,draft_preview_json,invite_preview_json,risk_flags_json,status,confidence,assumptions_json,questions_json,auto_approvable,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		card.ID, card.MissionID, card.Goal, stepsJSON, toolsJSON, actionsJSON, draftJSON, inviteJSON, flagsJSON,
		card.Status, card.Confidence, assumptionsJSON, questionsJSON, boolToInt(card.AutoApprovable), card.CreatedAt)
	return err
}

func (r Repo) GetPlanCard(ctx context.Context, id string) (domain.PlanCard, error) {
	return scanPlanCard(r.DB.QueryRowContext(ctx, planCardSelect+` WHERE id=?`, id))
}

// PendingCard returns the mission's current pending card, if any.
func (r Repo) PendingCard(ctx context.Context, missionID string) (domain.PlanCard, error) {
	return scanPlanCard(r.DB.QueryRowContext(ctx, planCardSelect+` WHERE mission_id=? AND status='pending' AND superseded_by IS NULL ORDER BY created_at DESC, id DESC LIMIT 1`, missionID))
}

// CurrentCard returns the mission's most recent non-superseded card.
func (r Repo) CurrentCard(ctx context.Context, missionID string) (domain.PlanCard, error) {
	return scanPlanCard(r.DB.QueryRowContext(ctx, planCardSelect+` WHERE mission_id=? AND superseded_by IS NULL ORDER BY created_at DESC, id DESC LIMIT 1`, missionID))
}

// UpdatePlanCardStatus moves a card from one status to another. The old
// status is part of the WHERE clause so two racing callers cannot both win
// the same transition.
func (r Repo) UpdatePlanCardStatus(ctx context.Context, tx *sql.Tx, id, from, to string) error {
	res, err := tx.ExecContext(ctx, `UPDATE plan_cards SET status=? WHERE id=? AND status=?`, to, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plan card %s transition %s -> %s lost to a concurrent update", id, from, to)
	}
	return nil
}

// MarkSuperseded parks a pending card in history. Its audit trail is kept;
// only the disposition column changes.
func (r Repo) MarkSuperseded(ctx context.Context, tx *sql.Tx, id, supersededBy string) error {
	res, err := tx.ExecContext(ctx, `UPDATE plan_cards SET superseded_by=? WHERE id=? AND status='pending'`, supersededBy, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const planCardSelect = `SELECT id,mission_id,goal,steps_json,tools_json,actions_json,draft_preview_json,invite_preview_json,risk_flags_json,status,confidence,assumptions_json,questions_json,auto_approvable,superseded_by,created_at FROM plan_cards`

func scanPlanCard(row *sql.Row) (domain.PlanCard, error) {
	var card domain.PlanCard
	var stepsJSON, toolsJSON, flagsJSON string
	var actionsJSON, draftJSON, inviteJSON, assumptionsJSON, questionsJSON, supersededBy sql.NullString
	var autoApprovable int
	err := row.Scan(&card.ID, &card.MissionID, &card.Goal, &stepsJSON, &toolsJSON, &actionsJSON, &draftJSON, &inviteJSON,
		&flagsJSON, &card.Status, &card.Confidence, &assumptionsJSON, &questionsJSON, &autoApprovable, &supersededBy, &card.CreatedAt)
	if err == sql.ErrNoRows {
		return card, ErrNotFound
	}
	if err != nil {
		return card, err
	}
	card.AutoApprovable = autoApprovable != 0
	if supersededBy.Valid {
		card.SupersededBy = &supersededBy.String
	}
	if err := json.Unmarshal([]byte(stepsJSON), &card.Steps); err != nil {
		return card, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal([]byte(toolsJSON), &card.Tools); err != nil {
		return card, fmt.Errorf("unmarshal tools: %w", err)
	}
	if err := json.Unmarshal([]byte(flagsJSON), &card.RiskFlags); err != nil {
		return card, fmt.Errorf("unmarshal risk flags: %w", err)
	}
	if card.RiskFlags == nil {
		card.RiskFlags = []string{}
	}
	if actionsJSON.Valid {
		if err := json.Unmarshal([]byte(actionsJSON.String), &card.Actions); err != nil {
			return card, fmt.Errorf("unmarshal actions: %w", err)
		}
	}
	if draftJSON.Valid {
		card.DraftPreview = &domain.DraftPreview{}
		if err := json.Unmarshal([]byte(draftJSON.String), card.DraftPreview); err != nil {
			return card, fmt.Errorf("unmarshal draft preview: %w", err)
		}
	}
	if inviteJSON.Valid {
		card.InvitePreview = &domain.InvitePreview{}
		if err := json.Unmarshal([]byte(inviteJSON.String), card.InvitePreview); err != nil {
			return card, fmt.Errorf("unmarshal invite preview: %w", err)
		}
	}
	if assumptionsJSON.Valid {
		if err := json.Unmarshal([]byte(assumptionsJSON.String), &card.Assumptions); err != nil {
			return card, fmt.Errorf("unmarshal assumptions: %w", err)
		}
	}
	if questionsJSON.Valid {
		if err := json.Unmarshal([]byte(questionsJSON.String), &card.QuestionsForUser); err != nil {
			return card, fmt.Errorf("unmarshal questions: %w", err)
		}
	}
	return card, nil
}

func (r Repo) InsertSteps(ctx context.Context, tx *sql.Tx, missionID string, steps []domain.ExecutionStep) error {
	for _, s := range steps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO execution_steps(id,plan_card_id,mission_id,position,description,tool,args_json,status) VALUES (?,?,?,?,?,?,?,?)`,
			s.ID, s.PlanCardID, missionID, s.Position, s.Description, s.Tool, nullable(s.ArgsJSON), s.Status); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListSteps(ctx context.Context, planCardID string) ([]domain.ExecutionStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,plan_card_id,position,description,tool,COALESCE(args_json,''),status,result,error,started_at,completed_at FROM execution_steps WHERE plan_card_id=? ORDER BY position`, planCardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionStep
	for rows.Next() {
		var s domain.ExecutionStep
		var result, errText, startedAt, completedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.PlanCardID, &s.Position, &s.Description, &s.Tool, &s.ArgsJSON, &s.Status, &result, &errText, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		if result.Valid {
			s.Result = &result.String
		}
		if errText.Valid {
			s.Error = &errText.String
		}
		if startedAt.Valid {
			s.StartedAt = &startedAt.String
		}
		if completedAt.Valid {
			s.CompletedAt = &completedAt.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateStep(ctx context.Context, tx *sql.Tx, s domain.ExecutionStep) error {
	res, err := tx.ExecContext(ctx, `UPDATE execution_steps SET status=?, result=?, error=?, started_at=?, completed_at=? WHERE id=?`,
		s.Status, nullableStringPtr(s.Result), nullableStringPtr(s.Error), nullableStringPtr(s.StartedAt), nullableStringPtr(s.CompletedAt), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(id,mission_id,plan_card_id,kind,ref_id,label,url,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.MissionID, nullable(a.PlanCardID), a.Kind, a.RefID, nullable(a.Label), nullable(a.URL), a.CreatedAt)
	return err
}

func (r Repo) ListArtifacts(ctx context.Context, missionID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,mission_id,COALESCE(plan_card_id,''),kind,ref_id,COALESCE(label,''),COALESCE(url,''),created_at FROM artifacts WHERE mission_id=? ORDER BY created_at, id`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ID, &a.MissionID, &a.PlanCardID, &a.Kind, &a.RefID, &a.Label, &a.URL, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AuditLog returns a mission's audit entries in append order.
func (r Repo) AuditLog(ctx context.Context, missionID string, limit int) ([]domain.AuditLogEntry, error) {
	query := `SELECT id,mission_id,ts,action,COALESCE(target_id,''),COALESCE(input_json,''),COALESCE(output_json,''),approved_by FROM audit_log WHERE mission_id=? ORDER BY id`
	args := []any{missionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.MissionID, &e.TS, &e.Action, &e.TargetID, &e.InputJSON, &e.OutputJSON, &e.ApprovedBy); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AuditLogLength returns the number of entries for a mission.
func (r Repo) AuditLogLength(ctx context.Context, missionID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE mission_id=?`, missionID).Scan(&n)
	return n, err
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalOptional(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case []domain.PlanAction:
		if len(t) == 0 {
			return nil, nil
		}
	case *domain.DraftPreview:
		if t == nil {
			return nil, nil
		}
	case *domain.InvitePreview:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

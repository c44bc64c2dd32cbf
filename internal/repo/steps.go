package repo

import (
	"context"
	"database/sql"

	"mailpilot/internal/domain"
)

// GetStep returns a step and its owning mission id.
func (r Repo) GetStep(ctx context.Context, id string) (domain.ExecutionStep, string, error) {
	var s domain.ExecutionStep
	var missionID string
	var result, errText, startedAt, completedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,plan_card_id,mission_id,position,description,tool,COALESCE(args_json,''),status,result,error,started_at,completed_at FROM execution_steps WHERE id=?`, id).
		Scan(&s.ID, &s.PlanCardID, &missionID, &s.Position, &s.Description, &s.Tool, &s.ArgsJSON, &s.Status, &result, &errText, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return s, "", ErrNotFound
	}
	if err != nil {
		return s, "", err
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
	return s, missionID, nil
}

// StartStep flips a pending step to running. Returns false when the step
// already left pending (e.g. it was skipped), which is not an error.
func (r Repo) StartStep(ctx context.Context, id, ts string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE execution_steps SET status='running', started_at=? WHERE id=? AND status='pending'`, ts, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SkipStep marks a not-yet-started step done with a skip note. Returns
// false when the step had already started; started work is never undone.
func (r Repo) SkipStep(ctx context.Context, tx *sql.Tx, id, ts string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE execution_steps SET status='done', result='skipped by user', completed_at=? WHERE id=? AND status='pending'`, ts, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

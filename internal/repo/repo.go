package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"mailpilot/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(id,title,goal,status,priority,due_at,next_action,next_action_reason,last_activity_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Title, m.Goal, m.Status, m.Priority, nullableStringPtr(m.DueAt), nullable(m.NextAction), nullable(m.NextActionReason),
		m.LastActivityAt, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) UpdateMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET title=?, goal=?, status=?, priority=?, due_at=?, next_action=?, next_action_reason=?, last_activity_at=?, updated_at=? WHERE id=?`,
		m.Title, m.Goal, m.Status, m.Priority, nullableStringPtr(m.DueAt), nullable(m.NextAction), nullable(m.NextActionReason),
		m.LastActivityAt, m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	var m domain.Mission
	var dueAt, nextAction, nextReason sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,title,goal,status,priority,due_at,next_action,next_action_reason,last_activity_at,created_at,updated_at FROM missions WHERE id=?`, id).
		Scan(&m.ID, &m.Title, &m.Goal, &m.Status, &m.Priority, &dueAt, &nextAction, &nextReason, &m.LastActivityAt, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if dueAt.Valid {
		m.DueAt = &dueAt.String
	}
	if nextAction.Valid {
		m.NextAction = nextAction.String
	}
	if nextReason.Valid {
		m.NextActionReason = nextReason.String
	}
	m.Participants, err = r.ListParticipants(ctx, id)
	if err != nil {
		return m, err
	}
	m.LinkedThreads, err = r.ListThreadLinks(ctx, id)
	return m, err
}

type MissionFilters struct {
	Status   string
	Priority string
	Limit    int
}

func (r Repo) ListMissionSummaries(ctx context.Context, f MissionFilters) ([]domain.MissionSummary, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT m.id, m.title, m.status, m.priority, COALESCE(m.next_action,''), COALESCE(m.next_action_reason,''), m.last_activity_at,
(SELECT COUNT(*) FROM mission_participants p WHERE p.mission_id=m.id),
(SELECT COUNT(*) FROM mission_threads t WHERE t.mission_id=m.id)
FROM missions m ` + where + ` ORDER BY m.last_activity_at DESC, m.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MissionSummary
	for rows.Next() {
		var s domain.MissionSummary
		if err := rows.Scan(&s.ID, &s.Title, &s.Status, &s.Priority, &s.NextAction, &s.NextActionReason, &s.LastActivityAt, &s.ParticipantCount, &s.ThreadCount); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpsertParticipant de-duplicates by normalized email; a later display name
// wins only when the stored one is empty.
func (r Repo) UpsertParticipant(ctx context.Context, tx *sql.Tx, missionID string, p domain.Participant) error {
	email := NormalizeEmail(p.Email)
	if email == "" {
		return errors.New("participant email required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO mission_participants(mission_id,email,display_name) VALUES (?,?,?)
ON CONFLICT(mission_id,email) DO UPDATE SET display_name=CASE WHEN COALESCE(mission_participants.display_name,'')='' THEN excluded.display_name ELSE mission_participants.display_name END`,
		missionID, email, nullable(p.DisplayName))
	return err
}

func (r Repo) ListParticipants(ctx context.Context, missionID string) ([]domain.Participant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT email, COALESCE(display_name,'') FROM mission_participants WHERE mission_id=? ORDER BY email`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.Email, &p.DisplayName); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpsertThreadLink(ctx context.Context, tx *sql.Tx, missionID string, link domain.ThreadLink, position int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO mission_threads(mission_id,thread_id,position,reason) VALUES (?,?,?,?)
ON CONFLICT(mission_id,thread_id) DO UPDATE SET reason=excluded.reason`,
		missionID, link.ThreadID, position, nullable(link.Reason))
	return err
}

func (r Repo) ListThreadLinks(ctx context.Context, missionID string) ([]domain.ThreadLink, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT thread_id, COALESCE(reason,'') FROM mission_threads WHERE mission_id=? ORDER BY position, thread_id`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ThreadLink
	for rows.Next() {
		var l domain.ThreadLink
		if err := rows.Scan(&l.ThreadID, &l.Reason); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// NormalizeEmail lowercases and trims an address for de-duplication.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

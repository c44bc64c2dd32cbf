// Package audit appends immutable entries to a mission's audit log. There is
// deliberately no update or delete operation.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Payload is an opaque tool input/output; the log never re-interprets it.
type Payload map[string]any

// Entry describes one append.
type Entry struct {
	Action     string
	TargetID   string
	Input      Payload
	Output     Payload
	ApprovedBy string
}

// Append writes one entry inside the caller's transaction and returns the
// new log length for the mission. Appends within one mission are serialized
// by the caller holding the mission lock, so the returned length and rowid
// ordering are stable for replay.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, missionID string, e Entry) (int, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if e.ApprovedBy == "" {
		return 0, fmt.Errorf("audit entry requires approved_by")
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	inputJSON, err := marshalPayload(e.Input)
	if err != nil {
		return 0, fmt.Errorf("marshal audit input: %w", err)
	}
	outputJSON, err := marshalPayload(e.Output)
	if err != nil {
		return 0, fmt.Errorf("marshal audit output: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO audit_log(mission_id,ts,action,target_id,input_json,output_json,approved_by) VALUES (?,?,?,?,?,?,?)`,
		missionID, ts, e.Action, nullable(e.TargetID), inputJSON, outputJSON, e.ApprovedBy); err != nil {
		return 0, err
	}
	var length int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE mission_id=?`, missionID).Scan(&length); err != nil {
		return 0, err
	}
	return length, nil
}

// AppendRaw is Append for payloads that are already JSON text, as with tool
// step inputs recorded verbatim.
func (w Writer) AppendRaw(ctx context.Context, tx *sql.Tx, missionID string, action, targetID, inputJSON, outputJSON, approvedBy string) (int, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if approvedBy == "" {
		return 0, fmt.Errorf("audit entry requires approved_by")
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO audit_log(mission_id,ts,action,target_id,input_json,output_json,approved_by) VALUES (?,?,?,?,?,?,?)`,
		missionID, ts, action, nullable(targetID), nullable(inputJSON), nullable(outputJSON), approvedBy); err != nil {
		return 0, err
	}
	var length int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE mission_id=?`, missionID).Scan(&length); err != nil {
		return 0, err
	}
	return length, nil
}

func marshalPayload(p Payload) (any, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

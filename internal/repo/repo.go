package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cabinet/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertRun(ctx context.Context, run domain.Run, state domain.RunState) error {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO runs(id,issue_id,status,stage,config_json,state_json,error,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.IssueID, run.Status, string(run.Stage), string(cfgJSON), string(stateJSON), nullable(run.Error), run.CreatedAt, run.UpdatedAt)
	return err
}

// SaveRunState overwrites the run row with the latest snapshot. The
// orchestrator serializes calls, so last write wins is safe here.
func (r Repo) SaveRunState(ctx context.Context, state domain.RunState) error {
	run := state.Run
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=?, stage=?, state_json=?, error=?, updated_at=? WHERE id=?`,
		run.Status, string(run.Stage), string(stateJSON), nullable(run.Error), run.UpdatedAt, run.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,issue_id,status,stage,config_json,COALESCE(error,'') AS error,created_at,updated_at FROM runs WHERE id=?`, id)
	var run domain.Run
	var stage, cfgJSON string
	err := row.Scan(&run.ID, &run.IssueID, &run.Status, &stage, &cfgJSON, &run.Error, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Stage = domain.Stage(stage)
	if err := json.Unmarshal([]byte(cfgJSON), &run.Config); err != nil {
		return run, fmt.Errorf("unmarshal run config: %w", err)
	}
	return run, nil
}

func (r Repo) GetRunState(ctx context.Context, id string) (domain.RunState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT state_json FROM runs WHERE id=?`, id)
	var stateJSON string
	err := row.Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return domain.RunState{}, ErrNotFound
	}
	if err != nil {
		return domain.RunState{}, err
	}
	var state domain.RunState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return domain.RunState{}, fmt.Errorf("unmarshal run state: %w", err)
	}
	return state, nil
}

func (r Repo) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,issue_id,status,stage,config_json,COALESCE(error,'') AS error,created_at,updated_at FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		var stage, cfgJSON string
		if err := rows.Scan(&run.ID, &run.IssueID, &run.Status, &stage, &cfgJSON, &run.Error, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.Stage = domain.Stage(stage)
		if err := json.Unmarshal([]byte(cfgJSON), &run.Config); err != nil {
			return nil, fmt.Errorf("unmarshal run config: %w", err)
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) DeleteRun(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEvents returns a run's events in append order.
func (r Repo) ListEvents(ctx context.Context, runID string) ([]domain.Event, error) {
	return r.EventsAfter(ctx, runID, 0, 0)
}

// EventsAfter returns up to limit events with id > cursor, in append order.
// limit <= 0 means no limit.
func (r Repo) EventsAfter(ctx context.Context, runID string, cursor int64, limit int) ([]domain.Event, error) {
	q := `SELECT id,run_id,ts,type,COALESCE(stage,'') AS stage,COALESCE(actor_id,'') AS actor_id,COALESCE(message,'') AS message,payload_json FROM events WHERE run_id=? AND id>? ORDER BY id ASC`
	args := []any{runID, cursor}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var stage, payloadJSON string
		if err := rows.Scan(&e.Seq, &e.RunID, &e.TS, &e.Type, &stage, &e.ActorID, &e.Message, &payloadJSON); err != nil {
			return nil, err
		}
		e.Stage = domain.Stage(stage)
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AllEventsAfter returns events across every run with id > cursor, in
// append order. Used by the webhook dispatcher.
func (r Repo) AllEventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	q := `SELECT id,run_id,ts,type,COALESCE(stage,'') AS stage,COALESCE(actor_id,'') AS actor_id,COALESCE(message,'') AS message,payload_json FROM events WHERE id>? ORDER BY id ASC`
	args := []any{cursor}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var stage, payloadJSON string
		if err := rows.Scan(&e.Seq, &e.RunID, &e.TS, &e.Type, &stage, &e.ActorID, &e.Message, &payloadJSON); err != nil {
			return nil, err
		}
		e.Stage = domain.Stage(stage)
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest n events, oldest first, optionally
// filtered by run and type.
func (r Repo) LatestEvents(ctx context.Context, n int, runID, eventType string) ([]domain.Event, error) {
	q := `SELECT id,run_id,ts,type,COALESCE(stage,'') AS stage,COALESCE(actor_id,'') AS actor_id,COALESCE(message,'') AS message,payload_json FROM events`
	var conds []string
	var args []any
	if runID != "" {
		conds = append(conds, "run_id=?")
		args = append(args, runID)
	}
	if eventType != "" {
		conds = append(conds, "type=?")
		args = append(args, eventType)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var stage, payloadJSON string
		if err := rows.Scan(&e.Seq, &e.RunID, &e.TS, &e.Type, &stage, &e.ActorID, &e.Message, &payloadJSON); err != nil {
			return nil, err
		}
		e.Stage = domain.Stage(stage)
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse to oldest-first
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

// LatestEventID returns the highest event id in the store, 0 when empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) InsertArtifact(ctx context.Context, a domain.Artifact, content []byte) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO artifacts(run_id,name,type,content,size_bytes,created_at) VALUES (?,?,?,?,?,?)`,
		a.RunID, a.Name, a.Type, content, a.SizeBytes, a.CreatedAt)
	return err
}

func (r Repo) ListArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,name,type,size_bytes,created_at FROM artifacts WHERE run_id=? ORDER BY created_at ASC, name ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.RunID, &a.Name, &a.Type, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) GetArtifact(ctx context.Context, runID, name string) (domain.Artifact, []byte, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT run_id,name,type,content,size_bytes,created_at FROM artifacts WHERE run_id=? AND name=?`, runID, name)
	var a domain.Artifact
	var content []byte
	err := row.Scan(&a.RunID, &a.Name, &a.Type, &content, &a.SizeBytes, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, nil, ErrNotFound
	}
	if err != nil {
		return a, nil, err
	}
	return a, content, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

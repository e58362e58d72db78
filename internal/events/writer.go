package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"cabinet/internal/domain"
)

// Writer persists events. Appends for one run are serialized by the
// orchestrator, so the autoincrement id is the run's total order.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append inserts the event and returns it with Seq filled in. A TS set by
// the caller is kept; otherwise the writer's clock stamps it.
func (w Writer) Append(ctx context.Context, e domain.Event) (domain.Event, error) {
	if e.TS == "" {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		e.TS = now().UTC().Format(time.RFC3339Nano)
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return e, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := w.DB.ExecContext(ctx, `INSERT INTO events(run_id,ts,type,stage,actor_id,message,payload_json) VALUES (?,?,?,?,?,?,?)`,
		e.RunID, e.TS, e.Type, nullable(string(e.Stage)), nullable(e.ActorID), nullable(e.Message), string(data))
	if err != nil {
		return e, err
	}
	e.Seq, err = res.LastInsertId()
	if err != nil {
		return e, err
	}
	return e, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

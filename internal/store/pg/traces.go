package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

// TraceStore is the Postgres-backed store.TraceStore, the append-mostly
// backing for the Trace Recorder (C9).
type TraceStore struct {
	db *sql.DB
}

func NewTraceStore(db *sql.DB) *TraceStore {
	return &TraceStore{db: db}
}

func (s *TraceStore) OpenTrace(ctx context.Context, t store.MessageTrace) error {
	const q = `
		INSERT INTO message_traces
			(trace_id, instance_name, channel_type, direction, message_id, session_name,
			 user_id, sender_phone, sender_name, message_type, has_media, has_quoted_message,
			 status, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	_, err := s.db.ExecContext(ctx, q,
		t.TraceID, t.InstanceName, t.ChannelType, t.Direction, t.MessageID, t.SessionName,
		nullIfEmpty(t.UserID), nullIfEmpty(t.SenderPhone), nullIfEmpty(t.SenderName),
		string(t.MessageType), t.HasMedia, t.HasQuotedMessage, string(t.Status), t.ReceivedAt)
	if err != nil {
		return fmt.Errorf("pg: open trace: %w", err)
	}
	return nil
}

func (s *TraceStore) UpdateStatus(ctx context.Context, traceID string, status store.TraceStatus, errMessage, errStage string) error {
	const q = `
		UPDATE message_traces SET status = $2, error_message = $3, error_stage = $4
		WHERE trace_id = $1`
	res, err := s.db.ExecContext(ctx, q, traceID, string(status), nullIfEmpty(errMessage), nullIfEmpty(errStage))
	if err != nil {
		return fmt.Errorf("pg: update trace status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrTraceNotFound
	}
	return nil
}

func (s *TraceStore) Finalize(ctx context.Context, traceID string, completedAt time.Time, agentMs, totalMs int64, agentOK, sendOK bool) error {
	const q = `
		UPDATE message_traces SET
			completed_at = $2, agent_processing_time_ms = $3, total_processing_time_ms = $4,
			agent_response_success = $5, channel_send_success = $6
		WHERE trace_id = $1`
	res, err := s.db.ExecContext(ctx, q, traceID, completedAt, agentMs, totalMs, agentOK, sendOK)
	if err != nil {
		return fmt.Errorf("pg: finalize trace: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrTraceNotFound
	}
	return nil
}

func (s *TraceStore) GetTrace(ctx context.Context, traceID string) (store.MessageTrace, error) {
	const q = traceSelectCols + ` FROM message_traces WHERE trace_id = $1`
	row := s.db.QueryRowContext(ctx, q, traceID)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.MessageTrace{}, store.ErrTraceNotFound
	}
	if err != nil {
		return store.MessageTrace{}, fmt.Errorf("pg: get trace: %w", err)
	}
	return t, nil
}

func (s *TraceStore) FindByMessageID(ctx context.Context, instanceName, messageID string) (store.MessageTrace, bool, error) {
	const q = traceSelectCols + ` FROM message_traces WHERE instance_name = $1 AND message_id = $2
		ORDER BY received_at DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, instanceName, messageID)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.MessageTrace{}, false, nil
	}
	if err != nil {
		return store.MessageTrace{}, false, fmt.Errorf("pg: find trace by message id: %w", err)
	}
	return t, true, nil
}

func (s *TraceStore) ListTraces(ctx context.Context, f store.TraceFilter) ([]store.MessageTrace, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := traceSelectCols + ` FROM message_traces WHERE
		($1 = '' OR instance_name = $1) AND
		($2 = '' OR sender_phone = $2) AND
		($3 = '' OR session_name = $3) AND
		($4 = '' OR status = $4) AND
		($5::timestamptz IS NULL OR received_at >= $5) AND
		($6::timestamptz IS NULL OR received_at <= $6)
		ORDER BY received_at DESC LIMIT $7 OFFSET $8`

	rows, err := s.db.QueryContext(ctx, q, f.InstanceName, f.SenderPhone, f.SessionName, string(f.Status),
		nullIfZeroTime(f.Since), nullIfZeroTime(f.Until), limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("pg: list traces: %w", err)
	}
	defer rows.Close()

	var out []store.MessageTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("pg: scan trace: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TraceStore) UpsertPayload(ctx context.Context, p store.TracePayload) error {
	const q = `
		INSERT INTO trace_payloads
			(id, trace_id, stage, payload_type, timestamp, status_code,
			 payload_size_original, payload_size_compressed, compression_ratio,
			 contains_media, contains_base64, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (trace_id, stage) DO UPDATE SET
			timestamp = EXCLUDED.timestamp,
			status_code = EXCLUDED.status_code,
			payload_size_original = EXCLUDED.payload_size_original,
			payload_size_compressed = EXCLUDED.payload_size_compressed,
			compression_ratio = EXCLUDED.compression_ratio,
			contains_media = EXCLUDED.contains_media,
			contains_base64 = EXCLUDED.contains_base64,
			payload = EXCLUDED.payload`

	_, err := s.db.ExecContext(ctx, q,
		p.ID, p.TraceID, string(p.Stage), p.PayloadType, p.Timestamp, nullIfZero(p.StatusCode),
		p.PayloadSizeOriginal, p.PayloadSizeCompressed, p.CompressionRatio,
		p.ContainsMedia, p.ContainsBase64, p.Payload)
	if err != nil {
		return fmt.Errorf("pg: upsert payload: %w", err)
	}
	return nil
}

func (s *TraceStore) ListPayloads(ctx context.Context, traceID string) ([]store.TracePayload, error) {
	const q = `
		SELECT id, trace_id, stage, payload_type, timestamp, coalesce(status_code, 0),
		       payload_size_original, payload_size_compressed, compression_ratio,
		       contains_media, contains_base64, payload
		FROM trace_payloads WHERE trace_id = $1 ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, q, traceID)
	if err != nil {
		return nil, fmt.Errorf("pg: list payloads: %w", err)
	}
	defer rows.Close()

	var out []store.TracePayload
	for rows.Next() {
		var p store.TracePayload
		var stage string
		if err := rows.Scan(&p.ID, &p.TraceID, &stage, &p.PayloadType, &p.Timestamp, &p.StatusCode,
			&p.PayloadSizeOriginal, &p.PayloadSizeCompressed, &p.CompressionRatio,
			&p.ContainsMedia, &p.ContainsBase64, &p.Payload); err != nil {
			return nil, fmt.Errorf("pg: scan payload: %w", err)
		}
		p.Stage = store.PayloadStage(stage)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Analytics is derived from message_traces alone, never decompressing payloads.
func (s *TraceStore) Analytics(ctx context.Context, f store.TraceFilter) (store.TraceAnalytics, error) {
	var a store.TraceAnalytics
	a.CountByType = map[string]int{}
	a.ErrorCountByStage = map[string]int{}
	a.CountByInstance = map[string]int{}

	const base = `FROM message_traces WHERE
		($1 = '' OR instance_name = $1) AND
		($2::timestamptz IS NULL OR received_at >= $2) AND
		($3::timestamptz IS NULL OR received_at <= $3)`

	since, until := nullIfZeroTime(f.Since), nullIfZeroTime(f.Until)

	var succeeded int
	row := s.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'completed'),
		       coalesce(avg(agent_processing_time_ms) FILTER (WHERE status = 'completed'), 0),
		       coalesce(avg(total_processing_time_ms) FILTER (WHERE status = 'completed'), 0)
		`+base, f.InstanceName, since, until)
	if err := row.Scan(&a.Total, &succeeded, &a.AvgAgentMs, &a.AvgTotalMs); err != nil {
		return a, fmt.Errorf("pg: analytics totals: %w", err)
	}
	if a.Total > 0 {
		a.SuccessRate = float64(succeeded) / float64(a.Total)
	}

	typeRows, err := s.db.QueryContext(ctx, `SELECT message_type, count(*) `+base+` GROUP BY message_type`, f.InstanceName, since, until)
	if err != nil {
		return a, fmt.Errorf("pg: analytics by type: %w", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var t string
		var n int
		if err := typeRows.Scan(&t, &n); err != nil {
			return a, fmt.Errorf("pg: scan type count: %w", err)
		}
		a.CountByType[t] = n
	}

	stageRows, err := s.db.QueryContext(ctx, `
		SELECT coalesce(error_stage, ''), count(*) `+base+` AND error_stage IS NOT NULL GROUP BY error_stage`,
		f.InstanceName, since, until)
	if err != nil {
		return a, fmt.Errorf("pg: analytics by stage: %w", err)
	}
	defer stageRows.Close()
	for stageRows.Next() {
		var stage string
		var n int
		if err := stageRows.Scan(&stage, &n); err != nil {
			return a, fmt.Errorf("pg: scan stage count: %w", err)
		}
		a.ErrorCountByStage[stage] = n
	}

	instRows, err := s.db.QueryContext(ctx, `SELECT instance_name, count(*) `+base+` GROUP BY instance_name`, f.InstanceName, since, until)
	if err != nil {
		return a, fmt.Errorf("pg: analytics by instance: %w", err)
	}
	defer instRows.Close()
	for instRows.Next() {
		var inst string
		var n int
		if err := instRows.Scan(&inst, &n); err != nil {
			return a, fmt.Errorf("pg: scan instance count: %w", err)
		}
		a.CountByInstance[inst] = n
	}

	return a, nil
}

const traceSelectCols = `
	SELECT trace_id, instance_name, channel_type, direction, message_id, session_name,
	       coalesce(user_id, ''), coalesce(sender_phone, ''), coalesce(sender_name, ''),
	       message_type, has_media, has_quoted_message, status,
	       coalesce(error_message, ''), coalesce(error_stage, ''), received_at, completed_at,
	       agent_processing_time_ms, total_processing_time_ms,
	       agent_response_success, channel_send_success`

func scanTrace(r scanner) (store.MessageTrace, error) {
	var t store.MessageTrace
	var msgType, status string
	err := r.Scan(
		&t.TraceID, &t.InstanceName, &t.ChannelType, &t.Direction, &t.MessageID, &t.SessionName,
		&t.UserID, &t.SenderPhone, &t.SenderName,
		&msgType, &t.HasMedia, &t.HasQuotedMessage, &status,
		&t.ErrorMessage, &t.ErrorStage, &t.ReceivedAt, &t.CompletedAt,
		&t.AgentProcessingTimeMs, &t.TotalProcessingTimeMs,
		&t.AgentResponseSuccess, &t.ChannelSendSuccess)
	if err != nil {
		return store.MessageTrace{}, err
	}
	t.MessageType = store.MessageType(msgType)
	t.Status = store.TraceStatus(status)
	return t, nil
}

func nullIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

// TraceStore is the SQLite-backed store.TraceStore, the append-mostly
// backing for the Trace Recorder (C9) in single-tenant/desktop deployments.
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
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

	_, err := s.db.ExecContext(ctx, q,
		t.TraceID, t.InstanceName, t.ChannelType, t.Direction, t.MessageID, t.SessionName,
		nullIfEmpty(t.UserID), nullIfEmpty(t.SenderPhone), nullIfEmpty(t.SenderName),
		string(t.MessageType), boolToInt(t.HasMedia), boolToInt(t.HasQuotedMessage),
		string(t.Status), timeStr(t.ReceivedAt))
	if err != nil {
		return fmt.Errorf("sqlite: open trace: %w", err)
	}
	return nil
}

func (s *TraceStore) UpdateStatus(ctx context.Context, traceID string, status store.TraceStatus, errMessage, errStage string) error {
	const q = `
		UPDATE message_traces SET status = ?, error_message = ?, error_stage = ?
		WHERE trace_id = ?`
	res, err := s.db.ExecContext(ctx, q, string(status), nullIfEmpty(errMessage), nullIfEmpty(errStage), traceID)
	if err != nil {
		return fmt.Errorf("sqlite: update trace status: %w", err)
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
			completed_at = ?, agent_processing_time_ms = ?, total_processing_time_ms = ?,
			agent_response_success = ?, channel_send_success = ?
		WHERE trace_id = ?`
	res, err := s.db.ExecContext(ctx, q, timeStr(completedAt), agentMs, totalMs, boolToInt(agentOK), boolToInt(sendOK), traceID)
	if err != nil {
		return fmt.Errorf("sqlite: finalize trace: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrTraceNotFound
	}
	return nil
}

func (s *TraceStore) GetTrace(ctx context.Context, traceID string) (store.MessageTrace, error) {
	const q = traceSelectCols + ` FROM message_traces WHERE trace_id = ?`
	row := s.db.QueryRowContext(ctx, q, traceID)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.MessageTrace{}, store.ErrTraceNotFound
	}
	if err != nil {
		return store.MessageTrace{}, fmt.Errorf("sqlite: get trace: %w", err)
	}
	return t, nil
}

func (s *TraceStore) FindByMessageID(ctx context.Context, instanceName, messageID string) (store.MessageTrace, bool, error) {
	const q = traceSelectCols + ` FROM message_traces WHERE instance_name = ? AND message_id = ?
		ORDER BY received_at DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, instanceName, messageID)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.MessageTrace{}, false, nil
	}
	if err != nil {
		return store.MessageTrace{}, false, fmt.Errorf("sqlite: find trace by message id: %w", err)
	}
	return t, true, nil
}

func (s *TraceStore) ListTraces(ctx context.Context, f store.TraceFilter) ([]store.MessageTrace, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := traceSelectCols + ` FROM message_traces WHERE
		(? = '' OR instance_name = ?) AND
		(? = '' OR sender_phone = ?) AND
		(? = '' OR session_name = ?) AND
		(? = '' OR status = ?) AND
		(? IS NULL OR received_at >= ?) AND
		(? IS NULL OR received_at <= ?)
		ORDER BY received_at DESC LIMIT ? OFFSET ?`

	since, until := nullTimeStr(f.Since), nullTimeStr(f.Until)
	rows, err := s.db.QueryContext(ctx, q,
		f.InstanceName, f.InstanceName, f.SenderPhone, f.SenderPhone, f.SessionName, f.SessionName,
		string(f.Status), string(f.Status), since, since, until, until, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list traces: %w", err)
	}
	defer rows.Close()

	var out []store.MessageTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan trace: %w", err)
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
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (trace_id, stage) DO UPDATE SET
			timestamp = excluded.timestamp,
			status_code = excluded.status_code,
			payload_size_original = excluded.payload_size_original,
			payload_size_compressed = excluded.payload_size_compressed,
			compression_ratio = excluded.compression_ratio,
			contains_media = excluded.contains_media,
			contains_base64 = excluded.contains_base64,
			payload = excluded.payload`

	_, err := s.db.ExecContext(ctx, q,
		p.ID, p.TraceID, string(p.Stage), p.PayloadType, timeStr(p.Timestamp), nullIfZero(p.StatusCode),
		p.PayloadSizeOriginal, p.PayloadSizeCompressed, p.CompressionRatio,
		boolToInt(p.ContainsMedia), boolToInt(p.ContainsBase64), p.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: upsert payload: %w", err)
	}
	return nil
}

func (s *TraceStore) ListPayloads(ctx context.Context, traceID string) ([]store.TracePayload, error) {
	const q = `
		SELECT id, trace_id, stage, payload_type, timestamp, coalesce(status_code, 0),
		       payload_size_original, payload_size_compressed, compression_ratio,
		       contains_media, contains_base64, payload
		FROM trace_payloads WHERE trace_id = ? ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, q, traceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list payloads: %w", err)
	}
	defer rows.Close()

	var out []store.TracePayload
	for rows.Next() {
		var p store.TracePayload
		var stage, ts string
		var media, base64 int
		if err := rows.Scan(&p.ID, &p.TraceID, &stage, &p.PayloadType, &ts, &p.StatusCode,
			&p.PayloadSizeOriginal, &p.PayloadSizeCompressed, &p.CompressionRatio,
			&media, &base64, &p.Payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan payload: %w", err)
		}
		p.Stage = store.PayloadStage(stage)
		p.Timestamp = parseTime(ts)
		p.ContainsMedia = media != 0
		p.ContainsBase64 = base64 != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// Analytics is derived from message_traces alone, never decompressing
// payloads. SQLite has no FILTER (WHERE ...) aggregate clause, so the
// conditional counts/averages use SUM(CASE WHEN ...) in its place.
func (s *TraceStore) Analytics(ctx context.Context, f store.TraceFilter) (store.TraceAnalytics, error) {
	var a store.TraceAnalytics
	a.CountByType = map[string]int{}
	a.ErrorCountByStage = map[string]int{}
	a.CountByInstance = map[string]int{}

	const base = `FROM message_traces WHERE
		(? = '' OR instance_name = ?) AND
		(? IS NULL OR received_at >= ?) AND
		(? IS NULL OR received_at <= ?)`

	since, until := nullTimeStr(f.Since), nullTimeStr(f.Until)
	baseArgs := []any{f.InstanceName, f.InstanceName, since, since, until, until}

	var succeeded int
	row := s.db.QueryRowContext(ctx, `
		SELECT count(*),
		       sum(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
		       coalesce(avg(CASE WHEN status = 'completed' THEN agent_processing_time_ms END), 0),
		       coalesce(avg(CASE WHEN status = 'completed' THEN total_processing_time_ms END), 0)
		`+base, baseArgs...)
	if err := row.Scan(&a.Total, &succeeded, &a.AvgAgentMs, &a.AvgTotalMs); err != nil {
		return a, fmt.Errorf("sqlite: analytics totals: %w", err)
	}
	if a.Total > 0 {
		a.SuccessRate = float64(succeeded) / float64(a.Total)
	}

	typeRows, err := s.db.QueryContext(ctx, `SELECT message_type, count(*) `+base+` GROUP BY message_type`, baseArgs...)
	if err != nil {
		return a, fmt.Errorf("sqlite: analytics by type: %w", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var t string
		var n int
		if err := typeRows.Scan(&t, &n); err != nil {
			return a, fmt.Errorf("sqlite: scan type count: %w", err)
		}
		a.CountByType[t] = n
	}

	stageArgs := append(append([]any{}, baseArgs...))
	stageRows, err := s.db.QueryContext(ctx, `
		SELECT coalesce(error_stage, ''), count(*) `+base+` AND error_stage IS NOT NULL GROUP BY error_stage`,
		stageArgs...)
	if err != nil {
		return a, fmt.Errorf("sqlite: analytics by stage: %w", err)
	}
	defer stageRows.Close()
	for stageRows.Next() {
		var stage string
		var n int
		if err := stageRows.Scan(&stage, &n); err != nil {
			return a, fmt.Errorf("sqlite: scan stage count: %w", err)
		}
		a.ErrorCountByStage[stage] = n
	}

	instRows, err := s.db.QueryContext(ctx, `SELECT instance_name, count(*) `+base+` GROUP BY instance_name`, baseArgs...)
	if err != nil {
		return a, fmt.Errorf("sqlite: analytics by instance: %w", err)
	}
	defer instRows.Close()
	for instRows.Next() {
		var inst string
		var n int
		if err := instRows.Scan(&inst, &n); err != nil {
			return a, fmt.Errorf("sqlite: scan instance count: %w", err)
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
	var msgType, status, receivedAt string
	var completedAt sql.NullString
	var hasMedia, hasQuoted, agentOK, sendOK int
	err := r.Scan(
		&t.TraceID, &t.InstanceName, &t.ChannelType, &t.Direction, &t.MessageID, &t.SessionName,
		&t.UserID, &t.SenderPhone, &t.SenderName,
		&msgType, &hasMedia, &hasQuoted, &status,
		&t.ErrorMessage, &t.ErrorStage, &receivedAt, &completedAt,
		&t.AgentProcessingTimeMs, &t.TotalProcessingTimeMs,
		&agentOK, &sendOK)
	if err != nil {
		return store.MessageTrace{}, err
	}
	t.MessageType = store.MessageType(msgType)
	t.Status = store.TraceStatus(status)
	t.HasMedia = hasMedia != 0
	t.HasQuotedMessage = hasQuoted != 0
	t.AgentResponseSuccess = agentOK != 0
	t.ChannelSendSuccess = sendOK != 0
	t.ReceivedAt = parseTime(receivedAt)
	if completedAt.Valid {
		ct := parseTime(completedAt.String)
		t.CompletedAt = &ct
	}
	return t, nil
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/plaenen/waitqueue/pkg/eventsourcing"
)

// AddOutboxTx inserts outbox rows within the caller's transaction. An
// existing row for the same event is left untouched, so re-saving an
// already persisted event cannot produce a second fan-out.
func AddOutboxTx(ctx context.Context, tx *sql.Tx, messages []*eventsourcing.OutboxMessage) error {
	for _, msg := range messages {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (outbox_id, event_id, event_name, occurred_at,
				correlation_id, causation_id, payload, status, attempts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(event_id) DO NOTHING
		`,
			msg.OutboxID, msg.EventID, msg.EventName, msg.OccurredAt.UnixNano(),
			msg.CorrelationID, msg.CausationID, string(msg.Payload),
			string(eventsourcing.OutboxPending),
		)
		if err != nil {
			return fmt.Errorf("failed to insert outbox row for event %s: %w", msg.EventID, err)
		}
	}
	return nil
}

// GetPending returns up to batchSize rows that are due for publishing:
// pending rows, plus failed rows whose NextAttemptAt has elapsed.
// Ordered by OccurredAt ascending.
func (s *Store) GetPending(ctx context.Context, batchSize int) ([]*eventsourcing.OutboxMessage, error) {
	now := s.clock.Now().UnixNano()

	rows, err := s.db.QueryContext(ctx, `
		SELECT outbox_id, event_id, event_name, occurred_at, correlation_id,
			causation_id, payload, status, attempts, next_attempt_at, last_error
		FROM outbox
		WHERE status IN (?, ?)
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY occurred_at ASC
		LIMIT ?
	`,
		string(eventsourcing.OutboxPending), string(eventsourcing.OutboxFailed),
		now, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending outbox rows: %w", err)
	}
	defer rows.Close()

	var messages []*eventsourcing.OutboxMessage
	for rows.Next() {
		var (
			msg           eventsourcing.OutboxMessage
			occurredAt    int64
			payload       string
			status        string
			nextAttemptAt sql.NullInt64
			lastError     sql.NullString
		)
		if err := rows.Scan(
			&msg.OutboxID, &msg.EventID, &msg.EventName, &occurredAt,
			&msg.CorrelationID, &msg.CausationID, &payload, &status,
			&msg.Attempts, &nextAttemptAt, &lastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}

		msg.OccurredAt = time.Unix(0, occurredAt).UTC()
		msg.Payload = []byte(payload)
		msg.Status = eventsourcing.OutboxStatus(status)
		if nextAttemptAt.Valid {
			t := time.Unix(0, nextAttemptAt.Int64).UTC()
			msg.NextAttemptAt = &t
		}
		if lastError.Valid {
			msg.LastError = lastError.String
		}

		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox rows: %w", err)
	}

	return messages, nil
}

// MarkDispatched transitions rows to dispatched.
func (s *Store) MarkDispatched(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf(`
		UPDATE outbox
		SET status = ?, attempts = attempts + 1, next_attempt_at = NULL, last_error = NULL
		WHERE event_id IN (%s)
	`, placeholders(len(eventIDs)))

	args := append([]any{string(eventsourcing.OutboxDispatched)}, toAnySlice(eventIDs)...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark outbox rows dispatched: %w", err)
	}
	return nil
}

// MarkFailed transitions rows to failed, scheduling the next attempt.
func (s *Store) MarkFailed(ctx context.Context, eventIDs []string, cause string, retryAfter time.Duration) error {
	if len(eventIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextAttempt := s.clock.Now().Add(retryAfter).UnixNano()

	query := fmt.Sprintf(`
		UPDATE outbox
		SET status = ?, attempts = attempts + 1, next_attempt_at = ?, last_error = ?
		WHERE event_id IN (%s)
	`, placeholders(len(eventIDs)))

	args := append([]any{string(eventsourcing.OutboxFailed), nextAttempt, cause}, toAnySlice(eventIDs)...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark outbox rows failed: %w", err)
	}
	return nil
}

// Requeue resets rows to pending with a fresh retry budget. This is the
// operator action that releases poison-quarantined rows.
func (s *Store) Requeue(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf(`
		UPDATE outbox
		SET status = ?, attempts = 0, next_attempt_at = NULL, last_error = NULL
		WHERE event_id IN (%s)
	`, placeholders(len(eventIDs)))

	args := append([]any{string(eventsourcing.OutboxPending)}, toAnySlice(eventIDs)...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to requeue outbox rows: %w", err)
	}
	return nil
}

// CountByStatus returns row counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) (map[eventsourcing.OutboxStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox rows: %w", err)
	}
	defer rows.Close()

	counts := make(map[eventsourcing.OutboxStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outbox count: %w", err)
		}
		counts[eventsourcing.OutboxStatus(status)] = n
	}
	return counts, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAnySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

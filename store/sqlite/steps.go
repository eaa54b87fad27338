package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/zlnvch/drawcast/models"
	"github.com/zlnvch/drawcast/store"
)

const stepColumns = `id, session_id, step, content, status, superseded, user_id, timestamp`

func (sqliteStore *SqliteDrawingStore) AppendStep(ctx context.Context, sessionId string, content map[string]any, userId string) (models.DrawingStep, error) {
	if content == nil {
		content = map[string]any{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return models.DrawingStep{}, fmt.Errorf("append step: marshal content: %w", err)
	}

	stepId, err := uuid.NewV7()
	if err != nil {
		return models.DrawingStep{}, fmt.Errorf("append step: %w", err)
	}

	tx, err := sqliteStore.db.BeginTx(ctx, nil)
	if err != nil {
		return models.DrawingStep{}, fmt.Errorf("append step: begin tx: %w", err)
	}
	defer tx.Rollback()

	var lastStep int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step), 0) FROM drawing_steps WHERE session_id = ?`,
		sessionId,
	).Scan(&lastStep); err != nil {
		return models.DrawingStep{}, fmt.Errorf("append step: max step: %w", err)
	}

	now := time.Now().UTC()
	nowMillis := now.UnixMilli()

	// A new step clears the redo stack of the session
	if _, err := tx.ExecContext(ctx, `
		UPDATE drawing_steps SET superseded = 1, updated_at = ?
		WHERE session_id = ? AND status = ? AND superseded = 0
	`, nowMillis, sessionId, string(models.StepUndone)); err != nil {
		return models.DrawingStep{}, fmt.Errorf("append step: supersede undone: %w", err)
	}

	step := models.DrawingStep{
		Id:        stepId.String(),
		SessionId: sessionId,
		Step:      lastStep + 1,
		Content:   content,
		Status:    models.StepActive,
		UserId:    userId,
		Timestamp: time.UnixMilli(nowMillis).UTC(),
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO drawing_steps
		(id, session_id, step, content, status, superseded, user_id, timestamp, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`,
		step.Id,
		step.SessionId,
		step.Step,
		string(contentJSON),
		string(step.Status),
		nullString(userId),
		nowMillis,
		nowMillis,
		nowMillis,
	); err != nil {
		return models.DrawingStep{}, fmt.Errorf("append step: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.DrawingStep{}, fmt.Errorf("append step: commit: %w", err)
	}

	return step, nil
}

func (sqliteStore *SqliteDrawingStore) ListActiveSteps(ctx context.Context, sessionId string) ([]models.DrawingStep, error) {
	rows, err := sqliteStore.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM drawing_steps
		WHERE session_id = ? AND status = ?
		ORDER BY step ASC
	`, sessionId, string(models.StepActive))
	if err != nil {
		return nil, fmt.Errorf("list active steps: %w", err)
	}
	defer rows.Close()

	steps := []models.DrawingStep{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("list active steps: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active steps: %w", err)
	}

	return steps, nil
}

func (sqliteStore *SqliteDrawingStore) LatestActiveStep(ctx context.Context, sessionId string) (models.DrawingStep, error) {
	row := sqliteStore.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM drawing_steps
		WHERE session_id = ? AND status = ?
		ORDER BY step DESC
		LIMIT 1
	`, sessionId, string(models.StepActive))
	return singleStep(row, "latest active step")
}

func (sqliteStore *SqliteDrawingStore) EarliestUndoneStep(ctx context.Context, sessionId string) (models.DrawingStep, error) {
	row := sqliteStore.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM drawing_steps
		WHERE session_id = ? AND status = ? AND superseded = 0
		ORDER BY step ASC
		LIMIT 1
	`, sessionId, string(models.StepUndone))
	return singleStep(row, "earliest undone step")
}

func (sqliteStore *SqliteDrawingStore) SetStepStatus(ctx context.Context, step models.DrawingStep, status models.StepStatus) error {
	if !status.Valid() {
		return fmt.Errorf("set step status: invalid status %q", status)
	}

	query := `UPDATE drawing_steps SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	if status == models.StepActive {
		query += ` AND superseded = 0`
	}

	result, err := sqliteStore.db.ExecContext(ctx, query,
		string(status),
		time.Now().UnixMilli(),
		step.Id,
		string(step.Status),
	)
	if err != nil {
		return fmt.Errorf("set step status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set step status: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists int
	err = sqliteStore.db.QueryRowContext(ctx, `SELECT 1 FROM drawing_steps WHERE id = ?`, step.Id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrItemNotFound
	}
	if err != nil {
		return fmt.Errorf("set step status: %w", err)
	}
	return store.ErrConditionFailed
}

func (sqliteStore *SqliteDrawingStore) GetUserSessions(ctx context.Context, userId string) ([]string, error) {
	rows, err := sqliteStore.db.QueryContext(ctx, `
		SELECT DISTINCT session_id FROM drawing_steps WHERE user_id = ? ORDER BY session_id
	`, userId)
	if err != nil {
		return nil, fmt.Errorf("get user sessions: %w", err)
	}
	defer rows.Close()

	sessions := []string{}
	for rows.Next() {
		var sessionId string
		if err := rows.Scan(&sessionId); err != nil {
			return nil, fmt.Errorf("get user sessions: %w", err)
		}
		sessions = append(sessions, sessionId)
	}
	return sessions, rows.Err()
}

func (sqliteStore *SqliteDrawingStore) AnonymizeUserSteps(ctx context.Context, userId string) (int, error) {
	result, err := sqliteStore.db.ExecContext(ctx, `
		UPDATE drawing_steps SET user_id = NULL, updated_at = ? WHERE user_id = ?
	`, time.Now().UnixMilli(), userId)
	if err != nil {
		return 0, fmt.Errorf("anonymize user steps: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("anonymize user steps: %w", err)
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (models.DrawingStep, error) {
	var (
		step        models.DrawingStep
		contentJSON string
		status      string
		superseded  int
		userId      sql.NullString
		timestamp   int64
	)
	if err := row.Scan(&step.Id, &step.SessionId, &step.Step, &contentJSON, &status, &superseded, &userId, &timestamp); err != nil {
		return models.DrawingStep{}, err
	}
	if err := json.Unmarshal([]byte(contentJSON), &step.Content); err != nil {
		return models.DrawingStep{}, fmt.Errorf("unmarshal content of step %s: %w", step.Id, err)
	}
	step.Status = models.StepStatus(status)
	step.Superseded = superseded != 0
	step.UserId = userId.String
	step.Timestamp = time.UnixMilli(timestamp).UTC()
	return step, nil
}

func singleStep(row *sql.Row, op string) (models.DrawingStep, error) {
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DrawingStep{}, store.ErrItemNotFound
	}
	if err != nil {
		return models.DrawingStep{}, fmt.Errorf("%s: %w", op, err)
	}
	return step, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

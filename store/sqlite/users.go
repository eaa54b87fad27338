package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/zlnvch/drawcast/models"
	"github.com/zlnvch/drawcast/store"
)

// CreateUser inserts the user unless one already exists for the same
// provider identity, in which case the existing record is returned.
func (sqliteStore *SqliteDrawingStore) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	userId, err := uuid.NewV4()
	if err != nil {
		return models.User{}, err
	}

	_, err = sqliteStore.db.ExecContext(ctx, `
		INSERT INTO users (id, provider, provider_id, name, email, created, step_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(provider, provider_id) DO NOTHING
	`, userId.String(), user.Provider, user.ProviderId, user.Name, user.Email, time.Now().Unix())
	if err != nil {
		return models.User{}, fmt.Errorf("create user: %w", err)
	}

	return sqliteStore.GetUser(ctx, user.Provider, user.ProviderId)
}

func (sqliteStore *SqliteDrawingStore) GetUser(ctx context.Context, provider string, providerId string) (models.User, error) {
	var user models.User
	err := sqliteStore.db.QueryRowContext(ctx, `
		SELECT id, provider, provider_id, name, email, created, step_count
		FROM users WHERE provider = ? AND provider_id = ?
	`, provider, providerId).Scan(
		&user.Id, &user.Provider, &user.ProviderId, &user.Name, &user.Email, &user.Created, &user.StepCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, store.ErrItemNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (sqliteStore *SqliteDrawingStore) DeleteUser(ctx context.Context, provider string, providerId string) error {
	if _, err := sqliteStore.db.ExecContext(ctx,
		`DELETE FROM users WHERE provider = ? AND provider_id = ?`, provider, providerId,
	); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// IncrementUserStepCount only updates existing users so a late counter flush
// cannot resurrect a deleted account.
func (sqliteStore *SqliteDrawingStore) IncrementUserStepCount(ctx context.Context, provider string, providerId string, count int) error {
	result, err := sqliteStore.db.ExecContext(ctx, `
		UPDATE users SET step_count = step_count + ? WHERE provider = ? AND provider_id = ?
	`, count, provider, providerId)
	if err != nil {
		return fmt.Errorf("increment step count: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment step count: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("increment step count for %s#%s: %w", provider, providerId, store.ErrItemNotFound)
	}
	return nil
}

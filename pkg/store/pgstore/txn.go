package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goliatone/go-uow/pkg/store"
	"github.com/google/uuid"
)

type txn struct {
	tx    *sql.Tx
	table string
}

func (t *txn) Create(ctx context.Context, entity string, values map[string]any) (string, error) {
	if entity == "" {
		return "", store.ErrEntityRequired
	}
	payload, err := encodePayload(values)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = t.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, entity, payload, updated_at) VALUES ($1, $2, $3::jsonb, now())`, t.table),
		id, entity, payload,
	)
	if err != nil {
		return "", translateError("create", err)
	}
	return id, nil
}

// Update merges values into the stored payload with the JSONB concatenation
// operator, so keys absent from values keep their stored value.
func (t *txn) Update(ctx context.Context, id string, values map[string]any) error {
	payload, err := encodePayload(values)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET payload = payload || $2::jsonb, updated_at = now() WHERE id = $1`, t.table),
		id, payload,
	)
	if err != nil {
		return translateError("update", err)
	}
	return requireAffected(result, "update", id)
}

func (t *txn) Delete(ctx context.Context, id string) error {
	result, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, t.table), id)
	if err != nil {
		return translateError("delete", err)
	}
	return requireAffected(result, "delete", id)
}

func (t *txn) Commit(_ context.Context) error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return store.ErrTxnDone
		}
		return translateError("commit", err)
	}
	return nil
}

func (t *txn) Rollback(_ context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return translateError("rollback", err)
	}
	return nil
}

func requireAffected(result sql.Result, op, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return translateError(op, err)
	}
	if affected == 0 {
		return fmt.Errorf("pgstore: %s %s: %w", op, id, store.ErrNotFound)
	}
	return nil
}

func encodePayload(values map[string]any) ([]byte, error) {
	if values == nil {
		values = map[string]any{}
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("pgstore: encode payload: %w", err)
	}
	return payload, nil
}

package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/dmitrijs2005/shotkeeper/internal/dbx"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get reads the record with a row lock, so inside a transaction the version
// check and the write that follows see the same row.
func (r *PostgresRepository) Get(ctx context.Context, key models.EntityKey) (json.RawMessage, error) {
	query :=
		`SELECT data FROM records
		 WHERE entity_type = $1 AND entity_id = $2
		 FOR UPDATE
		 `

	var data []byte
	err := r.db.QueryRowContext(ctx, query, string(key.Type), key.ID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return data, nil
}

func (r *PostgresRepository) Put(ctx context.Context, key models.EntityKey, parent *models.EntityKey, data json.RawMessage) error {
	updatedAt, err := models.UpdatedAtOf(data)
	if err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}

	var parentType, parentID sql.NullString
	if parent != nil {
		parentType = sql.NullString{String: string(parent.Type), Valid: true}
		parentID = sql.NullString{String: parent.ID, Valid: true}
	}

	query := `
		INSERT INTO records (entity_type, entity_id, parent_type, parent_id, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_type, entity_id)
		DO UPDATE SET
			parent_type = EXCLUDED.parent_type,
			parent_id = EXCLUDED.parent_id,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at;
	`
	if _, err := r.db.ExecContext(ctx, query,
		string(key.Type), key.ID, parentType, parentID, []byte(data), updatedAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteTree(ctx context.Context, key models.EntityKey) (int64, error) {
	query := `
		WITH RECURSIVE tree AS (
			SELECT entity_type, entity_id FROM records
			WHERE entity_type = $1 AND entity_id = $2
			UNION ALL
			SELECT r.entity_type, r.entity_id FROM records r
			JOIN tree t ON r.parent_type = t.entity_type AND r.parent_id = t.entity_id
		)
		DELETE FROM records
		WHERE (entity_type, entity_id) IN (SELECT entity_type, entity_id FROM tree);
	`
	res, err := r.db.ExecContext(ctx, query, string(key.Type), key.ID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]Record, error) {
	query :=
		`SELECT entity_type, entity_id, data FROM records
		 ORDER BY entity_type, entity_id
		 `

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var t, id string
		var data []byte
		if err := rows.Scan(&t, &id, &data); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		out = append(out, Record{Key: models.EntityKey{Type: models.EntityType(t), ID: id}, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) LockItem(ctx context.Context, itemID string) error {
	if _, err := r.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, itemID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Processed(ctx context.Context, itemID string) (json.RawMessage, bool, error) {
	query :=
		`SELECT record FROM processed_mutations
		 WHERE item_id = $1
		 `

	var data []byte
	err := r.db.QueryRowContext(ctx, query, itemID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("db error: %w", err)
	}
	return data, true, nil
}

// MarkProcessed remembers the answer for itemID. A nil record (deletes)
// is stored as SQL NULL.
func (r *PostgresRepository) MarkProcessed(ctx context.Context, itemID string, record json.RawMessage) error {
	var data any
	if record != nil {
		data = []byte(record)
	}

	query := `
		INSERT INTO processed_mutations (item_id, record)
		VALUES ($1, $2)
		ON CONFLICT (item_id) DO NOTHING;
	`
	if _, err := r.db.ExecContext(ctx, query, itemID, data); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

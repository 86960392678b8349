package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/catalog-import/internal/catalog"
)

const (
	// Postgres folds both sides so the match agrees with the lower(sku)
	// index; each row reports the submitted key it matched.
	selectExistingSQL = `SELECT p.id, k.key
FROM unnest($1::text[]) AS k(key)
JOIN products AS p ON lower(p.sku) = lower(k.key)`

	updateProductsSQL = `UPDATE products AS p
SET name = u.name, description = u.description, updated_at = now()
FROM unnest($1::bigint[], $2::text[], $3::text[]) AS u(id, name, description)
WHERE p.id = u.id`

	insertProductsSQL = `INSERT INTO products (sku, name, description, active, created_at, updated_at)
SELECT u.sku, u.name, u.description, u.active, now(), now()
FROM unnest($1::text[], $2::text[], $3::text[], $4::bool[]) AS u(sku, name, description, active)
RETURNING id`

	selectProductSQL = `SELECT id, sku, name, description, active, created_at, updated_at
FROM products WHERE id = $1`
)

// Products is the catalog's upsert engine.
type Products struct {
	db DB
}

// NewProducts returns a Products backed by db.
func NewProducts(db DB) *Products {
	return &Products{db: db}
}

// UpsertBatch applies batch in one transaction: existing keys are updated
// in place (sku casing untouched), new keys are inserted. Candidates must
// have distinct normalized keys. On error nothing from the batch persists.
func (p *Products) UpsertBatch(ctx context.Context, batch []catalog.Candidate) ([]catalog.Touched, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	keys := make([]string, len(batch))
	for i, c := range batch {
		keys[i] = c.Key()
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // No-op after commit

	existing, err := lookupExisting(ctx, tx, keys)
	if err != nil {
		return nil, err
	}

	var (
		updIDs   []int64
		updNames []string
		updDescs []pgtype.Text

		insSKUs   []string
		insNames  []string
		insDescs  []pgtype.Text
		insActive []bool
	)
	for i, c := range batch {
		if id, ok := existing[keys[i]]; ok {
			updIDs = append(updIDs, id)
			updNames = append(updNames, c.Name)
			updDescs = append(updDescs, toPgText(c.Description))
			continue
		}
		insSKUs = append(insSKUs, c.SKU)
		insNames = append(insNames, c.Name)
		insDescs = append(insDescs, toPgText(c.Description))
		insActive = append(insActive, c.Active)
	}

	touched := make([]catalog.Touched, 0, len(batch))

	if len(updIDs) > 0 {
		if _, err := tx.Exec(ctx, updateProductsSQL, updIDs, updNames, updDescs); err != nil {
			return nil, fmt.Errorf("update %d products: %w", len(updIDs), err)
		}
		for _, id := range updIDs {
			touched = append(touched, catalog.Touched{ID: id})
		}
	}

	if len(insSKUs) > 0 {
		rows, err := tx.Query(ctx, insertProductsSQL, insSKUs, insNames, insDescs, insActive)
		if err != nil {
			return nil, fmt.Errorf("insert %d products: %w", len(insSKUs), err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return nil, fmt.Errorf("insert %d products: %w", len(insSKUs), err)
		}
		if len(ids) != len(insSKUs) {
			return nil, fmt.Errorf("insert returned %d ids for %d products", len(ids), len(insSKUs))
		}
		for _, id := range ids {
			touched = append(touched, catalog.Touched{ID: id, Created: true})
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return touched, nil
}

func lookupExisting(ctx context.Context, tx pgx.Tx, keys []string) (map[string]int64, error) {
	rows, err := tx.Query(ctx, selectExistingSQL, keys)
	if err != nil {
		return nil, fmt.Errorf("lookup existing products: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]int64, len(keys))
	for rows.Next() {
		var (
			id  int64
			key string
		)
		if err := rows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("scan existing product: %w", err)
		}
		existing[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup existing products: %w", err)
	}
	return existing, nil
}

// GetProduct reads one product. ok is false when it does not exist.
func (p *Products) GetProduct(ctx context.Context, id int64) (catalog.Entry, bool, error) {
	var (
		e    catalog.Entry
		desc pgtype.Text
	)
	err := p.db.QueryRow(ctx, selectProductSQL, id).Scan(
		&e.ID, &e.SKU, &e.Name, &desc, &e.Active, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Entry{}, false, nil
	}
	if err != nil {
		return catalog.Entry{}, false, fmt.Errorf("get product %d: %w", id, err)
	}
	e.Description = desc.String
	return e, true, nil
}

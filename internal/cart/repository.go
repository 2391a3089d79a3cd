package cart

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/paycart/internal/domain"
)

type CartRepository struct {
	db *sql.DB
}

func NewCartRepository(db *sql.DB) *CartRepository {
	return &CartRepository{db: db}
}

func (r *CartRepository) Create(ctx context.Context, cart *domain.Cart) error {
	bill, ship, settings, err := marshalCartColumns(cart)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO carts (id, gateway, currency, state, bill, ship, bill_email, bill_phone,
			sub_total, tax, shipping, discount, total, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	`, cart.ID, cart.Gateway, cart.Currency, cart.State, bill, ship, cart.BillEmail, cart.BillPhone,
		cart.SubTotal, cart.Tax, cart.Shipping, cart.Discount, cart.Total, settings, cart.CreatedAt)
	if err != nil {
		return err
	}

	for i := range cart.Items {
		item := &cart.Items[i]
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		recurring, err := marshalRecurring(item.Recurring)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO line_items (id, cart_id, position, name, sku, description, quantity, unit_price, recurring)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, item.ID, cart.ID, i, item.Name, item.SKU, item.Description, item.Quantity, item.UnitPrice, recurring)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *CartRepository) Get(ctx context.Context, id string) (*domain.Cart, error) {
	// Provider-supplied references are not guaranteed to be UUIDs.
	if uuid.Validate(id) != nil {
		return nil, nil
	}

	cart, err := scanCart(r.db.QueryRowContext(ctx, `
		SELECT id, gateway, currency, state, bill, ship, bill_email, bill_phone,
			sub_total, tax, shipping, discount, total, settings, created_at, updated_at
		FROM carts
		WHERE id = $1
	`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	carts := map[string]*domain.Cart{cart.ID: cart}
	if err := r.loadItems(ctx, carts); err != nil {
		return nil, err
	}
	return cart, nil
}

func (r *CartRepository) Update(ctx context.Context, cart *domain.Cart) error {
	bill, ship, settings, err := marshalCartColumns(cart)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		UPDATE carts
		SET gateway = $2, state = $3, bill = $4, ship = $5, bill_email = $6, bill_phone = $7,
			settings = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, cart.ID, cart.Gateway, cart.State, bill, ship, cart.BillEmail, cart.BillPhone, settings).Scan(&cart.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", domain.ErrCartNotFound, cart.ID)
		}
		return err
	}

	for _, item := range cart.Items {
		if item.Recurring == nil {
			continue
		}
		recurring, err := marshalRecurring(item.Recurring)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE line_items SET recurring = $1 WHERE id = $2 AND cart_id = $3
		`, recurring, item.ID, cart.ID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *CartRepository) ListActiveRecurring(ctx context.Context) ([]domain.Cart, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.gateway, c.currency, c.state, c.bill, c.ship, c.bill_email, c.bill_phone,
			c.sub_total, c.tax, c.shipping, c.discount, c.total, c.settings, c.created_at, c.updated_at
		FROM carts c
		WHERE EXISTS (
			SELECT 1 FROM line_items li
			WHERE li.cart_id = c.id AND (li.recurring->>'active')::boolean
		)
		ORDER BY c.created_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cartMap := make(map[string]*domain.Cart)
	var cartIDs []string
	for rows.Next() {
		cart, err := scanCart(rows)
		if err != nil {
			return nil, err
		}
		cartMap[cart.ID] = cart
		cartIDs = append(cartIDs, cart.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(cartIDs) == 0 {
		return []domain.Cart{}, nil
	}
	if err := r.loadItems(ctx, cartMap); err != nil {
		return nil, err
	}

	carts := make([]domain.Cart, 0, len(cartIDs))
	for _, id := range cartIDs {
		carts = append(carts, *cartMap[id])
	}
	return carts, nil
}

func (r *CartRepository) loadItems(ctx context.Context, carts map[string]*domain.Cart) error {
	ids := make([]string, 0, len(carts))
	for id := range carts {
		ids = append(ids, id)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT cart_id, id, name, sku, description, quantity, unit_price, recurring
		FROM line_items
		WHERE cart_id = ANY($1)
		ORDER BY cart_id, position
	`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var cartID string
		var item domain.LineItem
		var recurring []byte
		if err := rows.Scan(&cartID, &item.ID, &item.Name, &item.SKU, &item.Description, &item.Quantity, &item.UnitPrice, &recurring); err != nil {
			return err
		}
		if len(recurring) > 0 {
			item.Recurring = &domain.Recurring{}
			if err := json.Unmarshal(recurring, item.Recurring); err != nil {
				return fmt.Errorf("unmarshal recurring for item %s: %w", item.ID, err)
			}
		}
		cart := carts[cartID]
		cart.Items = append(cart.Items, item)
	}

	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCart(s scanner) (*domain.Cart, error) {
	var cart domain.Cart
	var bill, ship, settings []byte
	if err := s.Scan(&cart.ID, &cart.Gateway, &cart.Currency, &cart.State, &bill, &ship, &cart.BillEmail, &cart.BillPhone,
		&cart.SubTotal, &cart.Tax, &cart.Shipping, &cart.Discount, &cart.Total, &settings, &cart.CreatedAt, &cart.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(bill, &cart.Bill); err != nil {
		return nil, fmt.Errorf("unmarshal bill address: %w", err)
	}
	if err := json.Unmarshal(ship, &cart.Ship); err != nil {
		return nil, fmt.Errorf("unmarshal ship address: %w", err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &cart.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	return &cart, nil
}

// JSONB columns are sent as text; lib/pq would send []byte as bytea.
func marshalCartColumns(cart *domain.Cart) (bill, ship string, settings sql.NullString, err error) {
	b, err := json.Marshal(cart.Bill)
	if err != nil {
		return "", "", settings, err
	}
	s, err := json.Marshal(cart.Ship)
	if err != nil {
		return "", "", settings, err
	}
	if cart.Settings != nil {
		raw, err := json.Marshal(cart.Settings)
		if err != nil {
			return "", "", settings, err
		}
		settings = sql.NullString{String: string(raw), Valid: true}
	}
	return string(b), string(s), settings, nil
}

func marshalRecurring(r *domain.Recurring) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

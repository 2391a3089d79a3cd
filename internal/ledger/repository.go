package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/paycart/internal/domain"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Upsert(ctx context.Context, p *domain.Payment) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	var reportedAt sql.NullTime
	if !p.ReportedAt.IsZero() {
		reportedAt = sql.NullTime{Time: p.ReportedAt, Valid: true}
	}

	return r.db.QueryRowContext(ctx, `
		INSERT INTO payments (id, cart_id, gateway, transaction_id, amount, state, reported_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (cart_id, transaction_id) DO UPDATE
		SET amount = EXCLUDED.amount,
			state = EXCLUDED.state,
			reported_at = EXCLUDED.reported_at,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`, p.ID, p.CartID, p.Gateway, p.TransactionID, p.Amount, p.State, reportedAt, p.CreatedAt).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (r *PaymentRepository) ListByCart(ctx context.Context, cartID string) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, cart_id, gateway, transaction_id, amount, state, reported_at, created_at, updated_at
		FROM payments
		WHERE cart_id = $1
		ORDER BY created_at
	`, cartID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return payments, nil
}

func (r *PaymentRepository) FindByTransaction(ctx context.Context, gateway, transactionID string) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, cart_id, gateway, transaction_id, amount, state, reported_at, created_at, updated_at
		FROM payments
		WHERE gateway = $1 AND transaction_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, gateway, transactionID)

	p, err := scanPayment(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(s scanner) (*domain.Payment, error) {
	var p domain.Payment
	var reportedAt sql.NullTime
	if err := s.Scan(&p.ID, &p.CartID, &p.Gateway, &p.TransactionID, &p.Amount, &p.State, &reportedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if reportedAt.Valid {
		p.ReportedAt = reportedAt.Time
	}
	return &p, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mscandco/distro-platform/backend/internal/models"
)

// ErrPriceNotFound is returned when a plan has no processor price mapped.
var ErrPriceNotFound = errors.New("price not found")

// PriceStore maps catalog plans to processor prices.
type PriceStore struct {
	db *sql.DB
}

// NewPriceStore creates a new PriceStore instance
func NewPriceStore(db *sql.DB) (*PriceStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &PriceStore{db: db}, nil
}

const priceColumns = `plan_slug, billing_cycle, processor_product_id, processor_price_id,
		amount_cents, currency, active, created_at`

func scanPrice(row rowScanner) (*models.PlanPrice, error) {
	var p models.PlanPrice
	if err := row.Scan(
		&p.PlanSlug, &p.BillingCycle, &p.ProcessorProduct, &p.ProcessorPrice,
		&p.AmountCents, &p.Currency, &p.Active, &p.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPrices returns every mapping, inactive ones included.
func (s *PriceStore) ListPrices(ctx context.Context) ([]models.PlanPrice, error) {
	query := `
		SELECT ` + priceColumns + `
		FROM plan_prices
		ORDER BY plan_slug ASC, billing_cycle ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	defer rows.Close()

	var prices []models.PlanPrice
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		prices = append(prices, *p)
	}
	return prices, rows.Err()
}

// GetPrice returns the active processor price for a plan and cycle.
func (s *PriceStore) GetPrice(ctx context.Context, planSlug, cycle string) (*models.PlanPrice, error) {
	query := `
		SELECT ` + priceColumns + `
		FROM plan_prices
		WHERE plan_slug = $1 AND billing_cycle = $2 AND active = TRUE
	`

	p, err := scanPrice(s.db.QueryRowContext(ctx, query, planSlug, cycle))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPriceNotFound
		}
		return nil, fmt.Errorf("get price: %w", err)
	}
	return p, nil
}

// GetPriceByProcessorID reverses the mapping for webhook payloads.
func (s *PriceStore) GetPriceByProcessorID(ctx context.Context, processorPriceID string) (*models.PlanPrice, error) {
	query := `
		SELECT ` + priceColumns + `
		FROM plan_prices
		WHERE processor_price_id = $1
	`

	p, err := scanPrice(s.db.QueryRowContext(ctx, query, processorPriceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPriceNotFound
		}
		return nil, fmt.Errorf("get price by processor id: %w", err)
	}
	return p, nil
}

// UpsertPrice stores the mapping for p.PlanSlug and p.BillingCycle,
// replacing an older processor price.
func (s *PriceStore) UpsertPrice(ctx context.Context, p *models.PlanPrice) error {
	query := `
		INSERT INTO plan_prices (plan_slug, billing_cycle, processor_product_id, processor_price_id, amount_cents, currency, active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		ON CONFLICT (plan_slug, billing_cycle) DO UPDATE SET
			processor_product_id = EXCLUDED.processor_product_id,
			processor_price_id = EXCLUDED.processor_price_id,
			amount_cents = EXCLUDED.amount_cents,
			currency = EXCLUDED.currency,
			active = TRUE
		RETURNING created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		p.PlanSlug, p.BillingCycle, p.ProcessorProduct, p.ProcessorPrice, p.AmountCents, p.Currency,
	).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert price: %w", err)
	}
	p.Active = true
	return nil
}

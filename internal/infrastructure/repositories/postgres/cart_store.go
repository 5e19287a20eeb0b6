package postgres

import (
	"context"
	"fmt"

	"carebridge/internal/core/domain"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// CartStore reads and updates cart lines.
type CartStore struct {
	pool *pgxpool.Pool
}

func NewCartStore(pool *pgxpool.Pool) *CartStore {
	return &CartStore{pool: pool}
}

func (s *CartStore) ListLines(ctx context.Context, cartID domain.CartID) ([]domain.CartLine, error) {
	var out []domain.CartLine
	err := traced(ctx, "select", "cart_lines", func(ctx context.Context) error {
		var err error
		out, err = s.listLines(ctx, cartID)
		return err
	})
	return out, err
}

func (s *CartStore) listLines(ctx context.Context, cartID domain.CartID) ([]domain.CartLine, error) {
	query := `
		SELECT id, cart_id, patient_id, pharmacy_id, quantity, unit_price::text, shipping_speed
		FROM cart_lines
		WHERE cart_id = $1
		ORDER BY created_at, id
	`

	rows, err := s.pool.Query(ctx, query, string(cartID))
	if err != nil {
		return nil, fmt.Errorf("failed to list cart lines: %w", err)
	}
	defer rows.Close()

	var lines []domain.CartLine
	for rows.Next() {
		var (
			id, cart, pharmacy, price, speed string
			patient                          *string
			quantity                         int
		)
		if err := rows.Scan(&id, &cart, &patient, &pharmacy, &quantity, &price, &speed); err != nil {
			return nil, fmt.Errorf("failed to scan cart line: %w", err)
		}
		unitPrice, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("invalid unit price on line %s: %w", id, err)
		}
		lines = append(lines, domain.CartLine{
			ID:            domain.LineID(id),
			CartID:        domain.CartID(cart),
			PatientID:     patient,
			PharmacyID:    domain.PharmacyID(pharmacy),
			Quantity:      quantity,
			UnitPrice:     unitPrice,
			ShippingSpeed: domain.ShippingSpeed(speed),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list cart lines: %w", err)
	}
	return lines, nil
}

func (s *CartStore) UpdateShippingSpeed(ctx context.Context, cartID domain.CartID, lineIDs []domain.LineID, speed domain.ShippingSpeed) error {
	return traced(ctx, "update", "cart_lines", func(ctx context.Context) error {
		return s.updateShippingSpeed(ctx, cartID, lineIDs, speed)
	})
}

func (s *CartStore) updateShippingSpeed(ctx context.Context, cartID domain.CartID, lineIDs []domain.LineID, speed domain.ShippingSpeed) error {
	if len(lineIDs) == 0 {
		return nil
	}
	ids := make([]string, len(lineIDs))
	for i, id := range lineIDs {
		ids[i] = string(id)
	}

	query := `
		UPDATE cart_lines
		SET shipping_speed = $3, updated_at = NOW()
		WHERE cart_id = $1 AND id = ANY($2)
	`
	tag, err := s.pool.Exec(ctx, query, string(cartID), ids, string(speed))
	if err != nil {
		return fmt.Errorf("failed to update shipping speed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLineNotFound
	}
	return nil
}

// RateSource reads pharmacy shipping rates.
type RateSource struct {
	pool *pgxpool.Pool
}

func NewRateSource(pool *pgxpool.Pool) *RateSource {
	return &RateSource{pool: pool}
}

// FetchRates returns the pharmacy's rate table. Unknown speeds are skipped;
// a pharmacy with no rows gets an empty table.
func (s *RateSource) FetchRates(ctx context.Context, pharmacy domain.PharmacyID) (domain.RateTable, error) {
	var out domain.RateTable
	err := traced(ctx, "select", "pharmacy_shipping_rates", func(ctx context.Context) error {
		var err error
		out, err = s.fetchRates(ctx, pharmacy)
		return err
	})
	return out, err
}

func (s *RateSource) fetchRates(ctx context.Context, pharmacy domain.PharmacyID) (domain.RateTable, error) {
	rows, err := s.pool.Query(ctx, `SELECT speed, cost::text FROM pharmacy_shipping_rates WHERE pharmacy_id = $1`, string(pharmacy))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rates: %w", err)
	}
	defer rows.Close()

	table := make(domain.RateTable)
	for rows.Next() {
		var rawSpeed, rawCost string
		if err := rows.Scan(&rawSpeed, &rawCost); err != nil {
			return nil, fmt.Errorf("failed to scan rate: %w", err)
		}
		speed, err := domain.ParseShippingSpeed(rawSpeed)
		if err != nil {
			continue
		}
		cost, err := decimal.NewFromString(rawCost)
		if err != nil {
			return nil, fmt.Errorf("invalid cost for %s/%s: %w", pharmacy, rawSpeed, err)
		}
		table[speed] = cost
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch rates: %w", err)
	}
	return table, nil
}

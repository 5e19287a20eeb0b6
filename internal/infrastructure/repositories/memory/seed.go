package memory

import (
	"fmt"
	"os"

	"carebridge/internal/core/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

// Seed is a YAML fixture of carts and pharmacy rates for the in-process
// repositories, used for local runs and demos.
type Seed struct {
	Pharmacies map[string]map[string]string `yaml:"pharmacies"`
	Carts      map[string][]SeedLine        `yaml:"carts"`
}

type SeedLine struct {
	ID         string `yaml:"id"`
	PatientID  string `yaml:"patient_id"`
	PharmacyID string `yaml:"pharmacy_id"`
	Quantity   int    `yaml:"quantity"`
	UnitPrice  string `yaml:"unit_price"`
	Speed      string `yaml:"speed"`
}

func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal seed yaml: %w", err)
	}
	return &seed, nil
}

// Apply loads the fixture into the stores. Rates are applied first so a
// cart session opened right after sees them. Unknown speeds are kept
// as-is; normalization corrects them on first open.
func (s *Seed) Apply(carts *MemoryCartStore, rates *MemoryRateSource) error {
	for pharmacy, table := range s.Pharmacies {
		rt := make(domain.RateTable, len(table))
		for speed, cost := range table {
			parsed, err := domain.ParseShippingSpeed(speed)
			if err != nil {
				return fmt.Errorf("pharmacy %s: %w", pharmacy, err)
			}
			amount, err := decimal.NewFromString(cost)
			if err != nil {
				return fmt.Errorf("pharmacy %s: invalid cost %q: %w", pharmacy, cost, err)
			}
			rt[parsed] = amount
		}
		rates.SetRates(domain.PharmacyID(pharmacy), rt)
	}

	for cartID, lines := range s.Carts {
		for i, l := range lines {
			if l.ID == "" || l.PharmacyID == "" {
				return fmt.Errorf("cart %s line %d: id and pharmacy_id are required", cartID, i)
			}
			price := decimal.Zero
			if l.UnitPrice != "" {
				p, err := decimal.NewFromString(l.UnitPrice)
				if err != nil {
					return fmt.Errorf("cart %s line %s: invalid unit price %q: %w", cartID, l.ID, l.UnitPrice, err)
				}
				price = p
			}
			line := domain.CartLine{
				ID:            domain.LineID(l.ID),
				CartID:        domain.CartID(cartID),
				PharmacyID:    domain.PharmacyID(l.PharmacyID),
				Quantity:      l.Quantity,
				UnitPrice:     price,
				ShippingSpeed: domain.ShippingSpeed(l.Speed),
			}
			if l.PatientID != "" {
				patient := l.PatientID
				line.PatientID = &patient
			}
			carts.PutLine(line)
		}
	}
	return nil
}

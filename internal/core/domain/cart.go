package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

type CartID string
type LineID string
type PharmacyID string

type ShippingSpeed string

const (
	SpeedGround    ShippingSpeed = "ground"
	Speed2Day      ShippingSpeed = "2day"
	SpeedOvernight ShippingSpeed = "overnight"
)

// SpeedTiers is the declared service-tier order. It is the tie-break for
// picking a fallback speed; never rely on map iteration order.
var SpeedTiers = []ShippingSpeed{SpeedGround, Speed2Day, SpeedOvernight}

func ParseShippingSpeed(s string) (ShippingSpeed, error) {
	switch ShippingSpeed(strings.ToLower(strings.TrimSpace(s))) {
	case SpeedGround:
		return SpeedGround, nil
	case Speed2Day, "2-day", "two_day":
		return Speed2Day, nil
	case SpeedOvernight:
		return SpeedOvernight, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSpeed, s)
}

// Tier returns the index of the speed in SpeedTiers, or -1.
func (s ShippingSpeed) Tier() int {
	for i, t := range SpeedTiers {
		if t == s {
			return i
		}
	}
	return -1
}

func (s ShippingSpeed) Valid() bool {
	return s.Tier() >= 0
}

// PracticePatient is the group key used for lines not tied to a patient.
const PracticePatient = "practice"

type CartLine struct {
	ID            LineID
	CartID        CartID
	PatientID     *string
	PharmacyID    PharmacyID
	Quantity      int
	UnitPrice     decimal.Decimal
	ShippingSpeed ShippingSpeed
}

// PatientKey returns the patient part of the shipment group key.
func (l CartLine) PatientKey() string {
	if l.PatientID == nil || *l.PatientID == "" {
		return PracticePatient
	}
	return *l.PatientID
}

type GroupKey struct {
	Patient  string
	Pharmacy PharmacyID
}

func (k GroupKey) String() string {
	return k.Patient + "/" + string(k.Pharmacy)
}

// ShipmentGroup is derived from the cart on every evaluation.
type ShipmentGroup struct {
	Key   GroupKey
	Lines []CartLine
	Speed ShippingSpeed
}

func (g ShipmentGroup) LineIDs() []LineID {
	ids := make([]LineID, 0, len(g.Lines))
	for _, l := range g.Lines {
		ids = append(ids, l.ID)
	}
	return ids
}

type CartVersion string

// ComputeCartVersion fingerprints every line's (id, quantity, speed).
func ComputeCartVersion(lines []CartLine) CartVersion {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		parts = append(parts, string(l.ID)+":"+strconv.Itoa(l.Quantity)+":"+string(l.ShippingSpeed))
	}
	sort.Strings(parts)
	return CartVersion(strings.Join(parts, "|"))
}

// RateTable maps the speeds a pharmacy offers to their cost.
type RateTable map[ShippingSpeed]decimal.Decimal

// EnabledSpeeds lists offered speeds with a positive cost, in tier order.
func (t RateTable) EnabledSpeeds() []ShippingSpeed {
	speeds := make([]ShippingSpeed, 0, len(t))
	for _, s := range SpeedTiers {
		if cost, ok := t[s]; ok && cost.IsPositive() {
			speeds = append(speeds, s)
		}
	}
	return speeds
}

func (t RateTable) Enabled(s ShippingSpeed) bool {
	cost, ok := t[s]
	return ok && cost.IsPositive()
}

// CartChange is one row-level notification from the change feed.
type CartChange struct {
	CartID    CartID
	LineID    LineID
	Operation string
}

package services

import (
	"sort"

	"carebridge/internal/core/domain"
)

// GroupLines partitions cart lines into shipment groups keyed by
// (patient or "practice", pharmacy). Groups come back sorted by key and
// lines by id, so repeated evaluations of the same cart agree.
func GroupLines(lines []domain.CartLine) []domain.ShipmentGroup {
	byKey := make(map[domain.GroupKey][]domain.CartLine)
	for _, l := range lines {
		key := domain.GroupKey{Patient: l.PatientKey(), Pharmacy: l.PharmacyID}
		byKey[key] = append(byKey[key], l)
	}

	groups := make([]domain.ShipmentGroup, 0, len(byKey))
	for key, members := range byKey {
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
		groups = append(groups, domain.ShipmentGroup{
			Key:   key,
			Lines: members,
			Speed: members[0].ShippingSpeed,
		})
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Key.Patient != groups[j].Key.Patient {
			return groups[i].Key.Patient < groups[j].Key.Patient
		}
		return groups[i].Key.Pharmacy < groups[j].Key.Pharmacy
	})
	return groups
}

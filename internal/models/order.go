package models

import (
	"cmp"
	"slices"
)

// SortByOrder returns the items sorted by ascending Order. Equal orders keep
// their input order. The input slice is not modified.
func SortByOrder(items []ShotItem) []ShotItem {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b ShotItem) int {
		return cmp.Compare(a.Order, b.Order)
	})
	return out
}

// SortByPriority returns must-have items before nice-to-have ones, each tier
// in ascending Order.
func SortByPriority(items []ShotItem) []ShotItem {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b ShotItem) int {
		if c := cmp.Compare(priorityRank(a.Priority), priorityRank(b.Priority)); c != 0 {
			return c
		}
		return cmp.Compare(a.Order, b.Order)
	})
	return out
}

// SortChecklists orders checklists by Order, breaking ties by CreatedAt.
func SortChecklists(lists []Checklist) []Checklist {
	out := slices.Clone(lists)
	slices.SortStableFunc(out, func(a, b Checklist) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

func priorityRank(p Priority) int {
	if p == PriorityMustHave {
		return 0
	}
	return 1
}

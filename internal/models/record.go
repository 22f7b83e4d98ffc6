package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"time"
)

// IsStale reports whether the backend's current record was updated after
// base, the version a mutation was derived from. A nil base is never stale.
func IsStale(current json.RawMessage, base *time.Time) (bool, error) {
	if base == nil {
		return false, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(current, &m); err != nil {
		return false, fmt.Errorf("decode current record: %w", err)
	}
	t, err := updatedAt(m)
	if err != nil {
		return false, err
	}
	return t.After(*base), nil
}

// Stamp sets updatedAt to now, and createdAt too when create is true.
// Fields are written in UTC.
func Stamp(record json.RawMessage, now time.Time, create bool) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(record, &m); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	ts, err := json.Marshal(now.UTC())
	if err != nil {
		return nil, err
	}
	m["updatedAt"] = ts
	if create {
		m["createdAt"] = ts
	}
	return json.Marshal(m)
}

// ValidateRecord decodes data as an entity of type t and validates it.
func ValidateRecord(t EntityType, data json.RawMessage) []string {
	switch t {
	case EntityShotItem:
		var it ShotItem
		if err := json.Unmarshal(data, &it); err != nil {
			return []string{"malformed shot item: " + err.Error()}
		}
		return ValidateShotItem(it)
	case EntityChecklist:
		var c Checklist
		if err := json.Unmarshal(data, &c); err != nil {
			return []string{"malformed checklist: " + err.Error()}
		}
		return ValidateChecklist(c)
	case EntityProject:
		var p Project
		if err := json.Unmarshal(data, &p); err != nil {
			return []string{"malformed project: " + err.Error()}
		}
		return ValidateProject(p, nil)
	}
	return []string{fmt.Sprintf("unknown entity type %q", t)}
}

// ValidateCreate validates a record that is about to be created. Beyond
// ValidateRecord it requires the reference to the owning checklist, which
// an update may leave out.
func ValidateCreate(t EntityType, data json.RawMessage) []string {
	problems := ValidateRecord(t, data)
	if t == EntityShotItem {
		if _, ok := ParentOf(t, data); !ok {
			problems = append(problems, "checklistId is required")
		}
	}
	return problems
}

// WithField returns record with field set to value.
func WithField(record json.RawMessage, field string, value any) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(record, &m); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	v, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	m[field] = v
	return json.Marshal(m)
}

// UpdatedAtOf returns the updatedAt of a record; zero when absent.
func UpdatedAtOf(record json.RawMessage) (time.Time, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(record, &m); err != nil {
		return time.Time{}, fmt.Errorf("decode record: %w", err)
	}
	return updatedAt(m)
}

// IDOf returns the id field of a record, or "" when it has none.
func IDOf(record json.RawMessage) string {
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(record, &v); err != nil {
		return ""
	}
	return v.ID
}

// ChangedFields lists the top-level fields whose JSON differs between a and
// b, ignoring updatedAt. Fields are returned sorted.
func ChangedFields(a, b json.RawMessage) ([]string, error) {
	var ma, mb map[string]json.RawMessage
	if err := json.Unmarshal(a, &ma); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if err := json.Unmarshal(b, &mb); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	var out []string
	seen := make(map[string]struct{}, len(ma))
	for k, va := range ma {
		seen[k] = struct{}{}
		if k == "updatedAt" {
			continue
		}
		if vb, ok := mb[k]; !ok || !jsonEqual(va, vb) {
			out = append(out, k)
		}
	}
	for k := range mb {
		if _, ok := seen[k]; !ok && k != "updatedAt" {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out, nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

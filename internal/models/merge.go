package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// MergeLastWriteWins resolves a version conflict between a queued local
// snapshot and the backend's current record, field by field.
//
// Every field starts from the remote record. A local field replaces it only
// when the local record is strictly newer and the field was touched by the
// queued mutation (changed lists JSON field names; empty means all fields).
// id and createdAt always come from the remote side. The merged updatedAt is
// the newer of the two.
func MergeLastWriteWins(local json.RawMessage, changed []string, remote json.RawMessage) (json.RawMessage, error) {
	var l, r map[string]json.RawMessage
	if err := json.Unmarshal(local, &l); err != nil {
		return nil, fmt.Errorf("decode local record: %w", err)
	}
	if err := json.Unmarshal(remote, &r); err != nil {
		return nil, fmt.Errorf("decode remote record: %w", err)
	}

	lt, err := updatedAt(l)
	if err != nil {
		return nil, fmt.Errorf("local record: %w", err)
	}
	rt, err := updatedAt(r)
	if err != nil {
		return nil, fmt.Errorf("remote record: %w", err)
	}

	if !lt.After(rt) {
		return remote, nil
	}

	fields := changed
	if len(fields) == 0 {
		fields = make([]string, 0, len(l)+len(r))
		for k := range l {
			fields = append(fields, k)
		}
		for k := range r {
			if _, ok := l[k]; !ok {
				fields = append(fields, k)
			}
		}
	}

	merged := make(map[string]json.RawMessage, len(r))
	for k, v := range r {
		merged[k] = v
	}
	for _, f := range fields {
		if slices.Contains([]string{"id", "createdAt", "updatedAt"}, f) {
			continue
		}
		if v, ok := l[f]; ok {
			merged[f] = v
		} else {
			// omitted locally (omitempty) means the local value is empty
			delete(merged, f)
		}
	}
	merged["updatedAt"] = l["updatedAt"]

	return json.Marshal(merged)
}

// ApplyFields overlays the fields of patch named in changed onto base, the
// way a backend applies an update. A named field missing from patch is
// cleared. With no changed fields patch replaces base. id and createdAt
// always come from base.
func ApplyFields(base, patch json.RawMessage, changed []string) (json.RawMessage, error) {
	if len(changed) == 0 {
		return patch, nil
	}
	var b, p map[string]json.RawMessage
	if err := json.Unmarshal(base, &b); err != nil {
		return nil, fmt.Errorf("decode current record: %w", err)
	}
	if err := json.Unmarshal(patch, &p); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	if b == nil {
		b = make(map[string]json.RawMessage, len(p))
	}
	for _, f := range changed {
		if f == "id" || f == "createdAt" {
			continue
		}
		if v, ok := p[f]; ok {
			b[f] = v
		} else {
			delete(b, f)
		}
	}
	return json.Marshal(b)
}

func updatedAt(m map[string]json.RawMessage) (time.Time, error) {
	raw, ok := m["updatedAt"]
	if !ok {
		return time.Time{}, nil
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		return time.Time{}, fmt.Errorf("decode updatedAt: %w", err)
	}
	return t, nil
}

// Package crud implements the CRUD-capture write path shared by the
// trigger-generated INSERT/UPDATE/DELETE statements (internal/schema) and
// any direct, pre-formed operation a host driver wants to record without
// going through a view.
package crud

import (
	"encoding/json"
	"sort"
)

// Diff implements powersync_diff(old_json, new_json): a JSON object
// containing only the keys that changed between old and new. A key
// present in old but absent (or null) in new is carried with a JSON
// null value; unchanged keys are omitted entirely.
//
// This package's init (register.go) registers it as a SQLite scalar
// function so generated trigger bodies can call it directly; an INSERT
// trigger's PUT passes the literal `{}` as the old value.
func Diff(oldJSON, newJSON string) (string, error) {
	oldObj, err := decodeObject(oldJSON)
	if err != nil {
		return "", err
	}
	newObj, err := decodeObject(newJSON)
	if err != nil {
		return "", err
	}

	out := make(map[string]any, len(newObj))
	for k, newVal := range newObj {
		oldVal, existed := oldObj[k]
		if !existed || !jsonEqual(oldVal, newVal) {
			out[k] = newVal
		}
	}
	for k := range oldObj {
		if _, stillThere := newObj[k]; !stillThere {
			out[k] = nil
		}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeObject parses an oplog-style JSON payload (possibly empty string,
// meaning "{}") into a flat key/value map. A null top-level value also
// decodes to the empty object, matching the implicit "old = {}" used when
// diffing a fresh INSERT.
func decodeObject(raw string) (map[string]any, error) {
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// jsonEqual compares two decoded JSON values for value equality, treating
// map key order as insignificant (encoding/json's maps already lose
// order, but nested arrays of objects need key-stable comparison too).
func jsonEqual(a, b any) bool {
	ab, _ := json.Marshal(normalize(a))
	bb, _ := json.Marshal(normalize(b))
	return string(ab) == string(bb)
}

// normalize rebuilds nested containers so jsonEqual's re-marshaling
// compares values rather than representations. Map keys already marshal
// in sorted order; the walk exists to reach maps nested inside slices.
func normalize(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = normalize(t[k])
		}
		return out
	default:
		return t
	}
}

// Package store implements the CVR store: load/flush, the ownership
// handshake, and the catchup iterators over rows and config patches
// (spec §4.5). It is backed by two interchangeable SQL backends selected
// by deployment profile — PostgreSQL (postgres.go) for multi-task,
// multi-replica deployments, and SQLite (sqlite.go) for single-node
// development and test.
package store

import (
	"encoding/json"
	"sort"
)

// CanonicalRowKey re-marshals a row key's columns in alphabetical order so
// that lookups and equality checks are independent of how the key was
// originally serialized. Storage retains the original form; all in-memory
// comparisons go through this function.
func CanonicalRowKey(key json.RawMessage) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(key, &fields); err != nil {
		return "", err
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var buf []byte
	buf = append(buf, '{')
	for i, name := range names {
		if i > 0 {
			buf = append(buf, ',')
		}
		nameJSON, _ := json.Marshal(name)
		buf = append(buf, nameJSON...)
		buf = append(buf, ':')
		buf = append(buf, fields[name]...)
	}
	buf = append(buf, '}')
	return string(buf), nil
}

// MustCanonicalRowKey is CanonicalRowKey but panics on malformed input;
// reserved for call sites that have already validated the key shape (e.g.
// keys freshly constructed by the updater from already-parsed contents).
func MustCanonicalRowKey(key json.RawMessage) string {
	s, err := CanonicalRowKey(key)
	if err != nil {
		panic(err)
	}
	return s
}

// Package xjson provides JSON helpers shared by the compilation pipeline.
package xjson

import (
	"encoding/json"
	"fmt"
)

// Canonical returns the canonical encoding of a JSON document: object keys
// sorted, no insignificant whitespace. Two semantically equal documents always
// canonicalize to identical bytes, which makes the result safe to hash.
func Canonical(doc []byte) ([]byte, error) {
	var value any
	if err := json.Unmarshal(doc, &value); err != nil {
		return nil, fmt.Errorf("canonicalize json: %w", err)
	}

	// encoding/json sorts map keys on marshal.
	out, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("canonicalize json: %w", err)
	}

	return out, nil
}

// Equal reports whether two JSON documents are semantically equal.
func Equal(a, b []byte) bool {
	ca, err := Canonical(a)
	if err != nil {
		return false
	}

	cb, err := Canonical(b)
	if err != nil {
		return false
	}

	return string(ca) == string(cb)
}

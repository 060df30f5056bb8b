// Package id generates opaque identifiers for connections, contests and audit references.
package id

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// New returns a random identifier: a v4 UUID rendered as 26 lowercase base32 characters.
func New() string {
	raw := uuid.New()
	return strings.ToLower(encoding.EncodeToString(raw[:]))
}

// Prefixed returns New with a readable prefix, e.g. "contest_xxxx".
func Prefixed(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "_" + New()
}

// Generator produces identifiers. Tests swap in deterministic sequences.
type Generator func() string

// Next calls g, falling back to New when g is nil.
func (g Generator) Next() string {
	if g == nil {
		return New()
	}
	return g()
}

package catalog

import (
	"fmt"
	"os"
	"strings"
)

// Catalog is an immutable, validated set of verbs keyed by verb id.
type Catalog struct {
	verbs map[string]Verb
	order []string
}

// New builds a catalog from already-normalized verbs. Duplicate ids are rejected.
func New(verbs ...Verb) (*Catalog, error) {
	c := &Catalog{
		verbs: make(map[string]Verb, len(verbs)),
		order: make([]string, 0, len(verbs)),
	}
	for _, verb := range verbs {
		if strings.TrimSpace(verb.ID) == "" {
			return nil, invalid("verb missing verbId")
		}
		if _, dup := c.verbs[verb.ID]; dup {
			return nil, invalid("duplicate verbId %q", verb.ID)
		}
		c.verbs[verb.ID] = verb.Clone()
		c.order = append(c.order, verb.ID)
	}
	return c, nil
}

// FromConfig validates and normalizes authored documents into a catalog.
func FromConfig(docs []VerbDocument) (*Catalog, error) {
	verbs := make([]Verb, 0, len(docs))
	for _, doc := range docs {
		verb, err := Normalize(doc)
		if err != nil {
			return nil, err
		}
		verbs = append(verbs, verb)
	}
	return New(verbs...)
}

// Parse decodes a catalog file body.
func Parse(data []byte, format Format) (*Catalog, error) {
	docs, err := DecodeDocuments(data, format)
	if err != nil {
		return nil, err
	}
	return FromConfig(docs)
}

// FromFile loads a JSON or YAML catalog from disk.
func FromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed loading %s: %w", path, err)
	}
	c, err := Parse(data, FormatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Get returns a copy of the verb with the given id.
func (c *Catalog) Get(id string) (Verb, bool) {
	if c == nil {
		return Verb{}, false
	}
	verb, ok := c.verbs[id]
	if !ok {
		return Verb{}, false
	}
	return verb.Clone(), true
}

// List returns copies of every verb in declaration order.
func (c *Catalog) List() []Verb {
	if c == nil {
		return nil
	}
	out := make([]Verb, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.verbs[id].Clone())
	}
	return out
}

// Len reports the number of verbs.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

// Overlay returns a new catalog where overrides replace verbs with the same id.
// Verbs unknown to c are appended in override order.
func (c *Catalog) Overlay(overrides []Verb) *Catalog {
	merged := &Catalog{verbs: make(map[string]Verb, c.Len()+len(overrides))}
	if c != nil {
		merged.order = append(merged.order, c.order...)
		for id, verb := range c.verbs {
			merged.verbs[id] = verb
		}
	}
	for _, verb := range overrides {
		if _, exists := merged.verbs[verb.ID]; !exists {
			merged.order = append(merged.order, verb.ID)
		}
		merged.verbs[verb.ID] = verb.Clone()
	}
	return merged
}

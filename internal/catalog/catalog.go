// Package catalog holds the hierarchical menu of node types offered by the
// remote service: category -> subcategory -> ordered node names.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// NullSegment fills the missing middle segment of two-part node types.
const NullSegment = "null"

const (
	RetrieverCategory    = "text"
	RetrieverSubcategory = "retrievers"
)

var ErrInvalidNodeType = errors.New("invalid node type")

type NodeType struct {
	Category    string
	Subcategory string
	Name        string
}

func (n NodeType) String() string {
	return n.Category + "." + n.Subcategory + "." + n.Name
}

func (n NodeType) IsRetriever() bool {
	return n.Category == RetrieverCategory && n.Subcategory == RetrieverSubcategory
}

// EnsureThree splits a dotted node type into exactly three segments.
// "a.b" becomes [a null b]; "a.b.c" is returned as is.
func EnsureThree(id string) ([]string, error) {
	parts := strings.Split(id, ".")
	switch len(parts) {
	case 2:
		return []string{parts[0], NullSegment, parts[1]}, nil
	case 3:
		return parts, nil
	default:
		return nil, fmt.Errorf("%w: %q has %d segments", ErrInvalidNodeType, id, len(parts))
	}
}

func ParseNodeType(id string) (NodeType, error) {
	parts, err := EnsureThree(id)
	if err != nil {
		return NodeType{}, err
	}
	return NodeType{Category: parts[0], Subcategory: parts[1], Name: parts[2]}, nil
}

// Catalog keeps first-seen order at every level so flattening is stable.
type Catalog struct {
	order      []string
	categories map[string]*category
}

type category struct {
	order []string
	subs  map[string][]string
}

func New() *Catalog {
	return &Catalog{categories: make(map[string]*category)}
}

// Build normalizes every identifier and folds it into a new catalog.
func Build(ids []string) (*Catalog, error) {
	c := New()
	for _, id := range ids {
		n, err := ParseNodeType(id)
		if err != nil {
			return nil, err
		}
		c.Insert(n)
	}
	return c, nil
}

// Insert appends n.Name under its category and subcategory, creating either
// level on first use. Existing entries are never replaced.
func (c *Catalog) Insert(n NodeType) {
	cat, ok := c.categories[n.Category]
	if !ok {
		cat = &category{subs: make(map[string][]string)}
		c.categories[n.Category] = cat
		c.order = append(c.order, n.Category)
	}
	if _, ok := cat.subs[n.Subcategory]; !ok {
		cat.order = append(cat.order, n.Subcategory)
	}
	cat.subs[n.Subcategory] = append(cat.subs[n.Subcategory], n.Name)
}

func (c *Catalog) Categories() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func (c *Catalog) Subcategories(cat string) []string {
	entry, ok := c.categories[cat]
	if !ok {
		return nil
	}
	out := make([]string, len(entry.order))
	copy(out, entry.order)
	return out
}

func (c *Catalog) Names(cat, sub string) []string {
	entry, ok := c.categories[cat]
	if !ok {
		return nil
	}
	names := entry.subs[sub]
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Leaves flattens the catalog in category, subcategory, name order.
func (c *Catalog) Leaves() []NodeType {
	var out []NodeType
	for _, catName := range c.order {
		cat := c.categories[catName]
		for _, sub := range cat.order {
			for _, name := range cat.subs[sub] {
				out = append(out, NodeType{Category: catName, Subcategory: sub, Name: name})
			}
		}
	}
	return out
}

func (c *Catalog) Len() int {
	total := 0
	for _, cat := range c.categories {
		for _, names := range cat.subs {
			total += len(names)
		}
	}
	return total
}

func (c *Catalog) Clone() *Catalog {
	out := New()
	for _, n := range c.Leaves() {
		out.Insert(n)
	}
	return out
}

// Remove drops a whole subcategory, and its category once it is empty.
func (c *Catalog) Remove(cat, sub string) {
	entry, ok := c.categories[cat]
	if !ok {
		return
	}
	if _, ok := entry.subs[sub]; !ok {
		return
	}
	delete(entry.subs, sub)
	entry.order = removeString(entry.order, sub)
	if len(entry.order) == 0 {
		delete(c.categories, cat)
		c.order = removeString(c.order, cat)
	}
}

// MarshalJSON writes the nested object keeping catalog order.
func (c *Catalog) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, catName := range c.order {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONString(&b, catName)
		b.WriteString(":{")
		cat := c.categories[catName]
		for j, sub := range cat.order {
			if j > 0 {
				b.WriteByte(',')
			}
			writeJSONString(&b, sub)
			b.WriteByte(':')
			names, err := json.Marshal(cat.subs[sub])
			if err != nil {
				return nil, err
			}
			b.Write(names)
		}
		b.WriteByte('}')
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func writeJSONString(b *bytes.Buffer, s string) {
	raw, _ := json.Marshal(s)
	b.Write(raw)
}

func removeString(values []string, target string) []string {
	out := values[:0]
	for _, v := range values {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

// Package chartscript reads the plain-text chart format and replays it
// against the FloWr service.
//
// A script is a list of stanzas separated by blank lines. The first line of a
// stanza names a node instance (text.retrievers.ConceptNet.ConceptNet_0);
// the following lines are parameters ("name:value") or output variables
// ("#name = expression"). There is no escaping.
package chartscript

import (
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyScript = errors.New("chart script has no stanzas")

type EntryKind int

const (
	EntryParam EntryKind = iota
	EntryOutput
)

// Entry is one body line. Err is set when the line cannot be used; the
// compiler skips such lines.
type Entry struct {
	Kind  EntryKind
	Name  string
	Value string
	Line  int
	Err   error
}

type Stanza struct {
	Header   string
	NodeType string
	Line     int
	Entries  []Entry
}

// MissingValueError marks a line that declares a key without a right-hand side.
type MissingValueError struct {
	Line int
	Key  string
	Text string
}

func (e *MissingValueError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("line %d: %q has no key", e.Line, e.Text)
	}
	return fmt.Sprintf("line %d: %s has no value", e.Line, e.Key)
}

// NodeTypeFromHeader strips the instance segment:
// text.retrievers.ConceptNet.ConceptNet_0 -> text.retrievers.ConceptNet.
// The last segment is dropped when it carries an _<digits> suffix or when the
// header has more than three segments; otherwise the header is already a type.
func NodeTypeFromHeader(header string) string {
	header = strings.TrimSpace(header)
	idx := strings.LastIndex(header, ".")
	if idx < 0 {
		return header
	}
	if isInstanceName(header[idx+1:]) || strings.Count(header, ".") >= 3 {
		return header[:idx]
	}
	return header
}

func isInstanceName(segment string) bool {
	idx := strings.LastIndex(segment, "_")
	if idx <= 0 || idx == len(segment)-1 {
		return false
	}
	for _, r := range segment[idx+1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// InstanceHeader builds the header for the n-th instance of nodeType, the
// same form the service returns from add_node.
func InstanceHeader(nodeType string, n int) string {
	name := nodeType
	if idx := strings.LastIndex(nodeType, "."); idx >= 0 {
		name = nodeType[idx+1:]
	}
	return fmt.Sprintf("%s.%s_%d", nodeType, name, n)
}

func Parse(script string) ([]Stanza, error) {
	script = strings.ReplaceAll(script, "\r\n", "\n")
	lines := strings.Split(script, "\n")

	var stanzas []Stanza
	var cur *Stanza
	for i, raw := range lines {
		lineNo := i + 1
		if strings.TrimSpace(raw) == "" {
			if cur != nil {
				stanzas = append(stanzas, *cur)
				cur = nil
			}
			continue
		}
		if cur == nil {
			header := strings.TrimSpace(raw)
			cur = &Stanza{Header: header, NodeType: NodeTypeFromHeader(header), Line: lineNo}
			continue
		}
		cur.Entries = append(cur.Entries, parseEntry(raw, lineNo))
	}
	if cur != nil {
		stanzas = append(stanzas, *cur)
	}
	if len(stanzas) == 0 {
		return nil, ErrEmptyScript
	}
	return stanzas, nil
}

func parseEntry(raw string, lineNo int) Entry {
	text := strings.TrimRight(raw, " \t")
	if strings.HasPrefix(strings.TrimSpace(text), "#") {
		lhs, rhs, found := strings.Cut(strings.TrimSpace(text), "=")
		name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lhs), "#"))
		expr := strings.TrimSpace(rhs)
		e := Entry{Kind: EntryOutput, Name: name, Value: expr, Line: lineNo}
		if !found || name == "" || expr == "" {
			e.Err = &MissingValueError{Line: lineNo, Key: name, Text: text}
		}
		return e
	}

	name, value, found := strings.Cut(text, ":")
	e := Entry{Kind: EntryParam, Name: name, Value: value, Line: lineNo}
	if !found || name == "" || value == "" {
		e.Err = &MissingValueError{Line: lineNo, Key: name, Text: text}
	}
	return e
}

// Render writes stanzas back in script form. Entries with Err are kept as
// they were declared so the text round-trips.
func Render(stanzas []Stanza) string {
	var b strings.Builder
	for i, s := range stanzas {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s.Header)
		for _, e := range s.Entries {
			b.WriteByte('\n')
			switch e.Kind {
			case EntryOutput:
				b.WriteString("#" + e.Name + " = " + e.Value)
			default:
				b.WriteString(e.Name + ":" + e.Value)
			}
		}
	}
	return b.String()
}

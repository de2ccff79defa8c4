// Package policy composes least-privilege IAM permission documents from
// statement templates and runtime bindings. Composition is pure string
// substitution and performs no network calls.
package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// Version is the IAM policy language version every document declares.
const Version = "2012-10-17"

// Effects.
const (
	Allow = "Allow"
	Deny  = "Deny"
)

// ConditionBlock is one condition operator and its key/value constraints.
type ConditionBlock struct {
	Operator string
	Values   map[string]string
}

// StatementTemplate is a statement whose resources and condition keys and
// values may contain {placeholder} references.
type StatementTemplate struct {
	Sid        string
	Effect     string
	Actions    []string
	Resources  []string
	Conditions []ConditionBlock
}

// Statement is a composed statement. Conditions holds at most one block per
// operator.
type Statement struct {
	Sid        string
	Effect     string
	Actions    []string
	Resources  []string
	Conditions map[string]map[string]string
}

// Document is an ordered set of statements owned by exactly one identity.
type Document struct {
	Identity   string
	Statements []Statement
}

// Bindings maps placeholder names to resolved values.
type Bindings map[string]string

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Compose binds templates for identity. Every call returns a new document
// that shares no slices or maps with the templates or other documents.
func Compose(identity string, templates []StatementTemplate, bindings Bindings) (*Document, error) {
	doc := &Document{Identity: identity}
	sids := map[string]struct{}{}

	for _, tmpl := range templates {
		if tmpl.Sid != "" {
			if _, dup := sids[tmpl.Sid]; dup {
				return nil, &DuplicateStatementError{Sid: tmpl.Sid}
			}
			sids[tmpl.Sid] = struct{}{}
		}

		stmt := Statement{
			Sid:     tmpl.Sid,
			Effect:  tmpl.Effect,
			Actions: append([]string(nil), tmpl.Actions...),
		}
		if stmt.Effect == "" {
			stmt.Effect = Allow
		}

		for _, r := range tmpl.Resources {
			bound, err := substitute(tmpl.Sid, r, bindings)
			if err != nil {
				return nil, err
			}
			stmt.Resources = append(stmt.Resources, bound)
		}

		if len(tmpl.Conditions) > 0 {
			stmt.Conditions = make(map[string]map[string]string, len(tmpl.Conditions))
		}
		for _, block := range tmpl.Conditions {
			if _, dup := stmt.Conditions[block.Operator]; dup {
				return nil, &DuplicateConditionError{Sid: tmpl.Sid, Operator: block.Operator}
			}
			values := make(map[string]string, len(block.Values))
			for _, k := range sortedKeys(block.Values) {
				key, err := substitute(tmpl.Sid, k, bindings)
				if err != nil {
					return nil, err
				}
				val, err := substitute(tmpl.Sid, block.Values[k], bindings)
				if err != nil {
					return nil, err
				}
				if prev, ok := values[key]; ok && prev != val {
					return nil, &ConflictingConditionError{Sid: tmpl.Sid, Operator: block.Operator, Key: key}
				}
				values[key] = val
			}
			stmt.Conditions[block.Operator] = values
		}

		doc.Statements = append(doc.Statements, stmt)
	}
	return doc, nil
}

// Placeholders returns the distinct placeholder names used by templates, in
// first-use order.
func Placeholders(templates []StatementTemplate) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(s string) {
		for _, name := range names(s) {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	for _, tmpl := range templates {
		for _, r := range tmpl.Resources {
			add(r)
		}
		for _, block := range tmpl.Conditions {
			for _, k := range sortedKeys(block.Values) {
				add(k)
				add(block.Values[k])
			}
		}
	}
	return out
}

// substitute replaces {name} references. IAM policy variables such as
// ${aws:username} are left alone.
func substitute(sid, s string, bindings Bindings) (string, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	var out []byte
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if start > 0 && s[start-1] == '$' {
			continue
		}
		name := s[m[2]:m[3]]
		val, ok := bindings[name]
		if !ok {
			return "", &UnresolvedPlaceholderError{Statement: sid, Placeholder: name}
		}
		out = append(out, s[last:start]...)
		out = append(out, val...)
		last = end
	}
	out = append(out, s[last:]...)
	return string(out), nil
}

func names(s string) []string {
	var out []string
	for _, m := range placeholderPattern.FindAllStringSubmatchIndex(s, -1) {
		if m[0] > 0 && s[m[0]-1] == '$' {
			continue
		}
		out = append(out, s[m[2]:m[3]])
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Statement returns the statement with the given sid.
func (d *Document) Statement(sid string) (Statement, bool) {
	for _, s := range d.Statements {
		if s.Sid == sid {
			return s, true
		}
	}
	return Statement{}, false
}

type jsonStatement struct {
	Sid       string                       `json:"Sid,omitempty"`
	Effect    string                       `json:"Effect"`
	Action    interface{}                  `json:"Action"`
	Resource  interface{}                  `json:"Resource"`
	Condition map[string]map[string]string `json:"Condition,omitempty"`
}

type jsonDocument struct {
	Version   string          `json:"Version"`
	Statement []jsonStatement `json:"Statement"`
}

// MarshalJSON renders the document in IAM policy grammar. Single-element
// action and resource lists collapse to a string the way IAM prints them.
func (d *Document) MarshalJSON() ([]byte, error) {
	out := jsonDocument{Version: Version, Statement: make([]jsonStatement, 0, len(d.Statements))}
	for _, s := range d.Statements {
		out.Statement = append(out.Statement, jsonStatement{
			Sid:       s.Sid,
			Effect:    s.Effect,
			Action:    collapse(s.Actions),
			Resource:  collapse(s.Resources),
			Condition: s.Conditions,
		})
	}
	return json.Marshal(out)
}

// JSON returns the document as an IAM policy string.
func (d *Document) JSON() (string, error) {
	b, err := d.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("failed to render policy for %s: %w", d.Identity, err)
	}
	return string(b), nil
}

func collapse(values []string) interface{} {
	if len(values) == 1 {
		return values[0]
	}
	if values == nil {
		return []string{}
	}
	return values
}

// Package document provides the opaque, order-preserving configuration
// payload carried by every resource node (chart values, manifests, provider
// settings). The orchestrator passes documents through without interpreting
// them; only collaborators decode them.
package document

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is an ordered mapping backed by a yaml.v3 node tree.
type Document struct {
	root *yaml.Node
}

// referencePattern matches ${node-id.attribute} references.
var referencePattern = regexp.MustCompile(`\$\{([A-Za-z0-9_-]+)\.([A-Za-z0-9_.-]+)\}`)

// New returns an empty document.
func New() *Document {
	return &Document{root: &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}}
}

// FromYAML parses a single YAML mapping document, keeping key order.
func FromYAML(data []byte) (*Document, error) {
	var n yaml.Node
	if err := yaml.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	if n.Kind == 0 {
		return New(), nil
	}
	root := &n
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return New(), nil
		}
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("document root must be a mapping, got %s", kindName(root.Kind))
	}
	return &Document{root: root}, nil
}

// Set stores value at a dotted path, creating intermediate mappings. New keys
// are appended, existing keys keep their position.
func (d *Document) Set(path string, value interface{}) error {
	return d.SetIn(splitPath(path), value)
}

// SetIn is Set with an explicit key list, for keys that contain dots.
func (d *Document) SetIn(keys []string, value interface{}) error {
	if len(keys) == 0 {
		return fmt.Errorf("empty path")
	}
	var encoded yaml.Node
	switch v := value.(type) {
	case *Document:
		encoded = *cloneNode(v.root)
	default:
		if err := encoded.Encode(value); err != nil {
			return fmt.Errorf("failed to encode value for %s: %w", strings.Join(keys, "."), err)
		}
	}

	cur := d.root
	for i, key := range keys {
		if cur.Kind != yaml.MappingNode {
			return fmt.Errorf("cannot set %s: %s is not a mapping", strings.Join(keys, "."), strings.Join(keys[:i], "."))
		}
		child := lookup(cur, key)
		last := i == len(keys)-1
		if child == nil {
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
			if last {
				cur.Content = append(cur.Content, keyNode, &encoded)
				return nil
			}
			child = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			cur.Content = append(cur.Content, keyNode, child)
		} else if last {
			*child = encoded
			return nil
		}
		cur = child
	}
	return nil
}

// Get returns the raw node at a dotted path.
func (d *Document) Get(path string) (*yaml.Node, bool) {
	cur := d.root
	for _, key := range splitPath(path) {
		if cur.Kind != yaml.MappingNode {
			return nil, false
		}
		cur = lookup(cur, key)
		if cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// Has reports whether path exists.
func (d *Document) Has(path string) bool {
	_, ok := d.Get(path)
	return ok
}

// String returns the scalar at path, or "" when missing.
func (d *Document) String(path string) string {
	n, ok := d.Get(path)
	if !ok || n.Kind != yaml.ScalarNode {
		return ""
	}
	return n.Value
}

// Int returns the integer at path.
func (d *Document) Int(path string) (int, bool) {
	s := d.String(path)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Bool returns the boolean at path, false when missing.
func (d *Document) Bool(path string) bool {
	v, err := strconv.ParseBool(d.String(path))
	return err == nil && v
}

// Strings returns the sequence of scalars at path.
func (d *Document) Strings(path string) []string {
	n, ok := d.Get(path)
	if !ok || n.Kind != yaml.SequenceNode {
		return nil
	}
	out := make([]string, 0, len(n.Content))
	for _, item := range n.Content {
		if item.Kind == yaml.ScalarNode {
			out = append(out, item.Value)
		}
	}
	return out
}

// StringMap returns the flat string mapping at path in document order.
func (d *Document) StringMap(path string) map[string]string {
	n, ok := d.Get(path)
	if !ok || n.Kind != yaml.MappingNode {
		return nil
	}
	out := make(map[string]string, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i+1].Kind == yaml.ScalarNode {
			out[n.Content[i].Value] = n.Content[i+1].Value
		}
	}
	return out
}

// Sub returns a copy of the mapping at path as its own document.
func (d *Document) Sub(path string) (*Document, bool) {
	n, ok := d.Get(path)
	if !ok || n.Kind != yaml.MappingNode {
		return nil, false
	}
	return &Document{root: cloneNode(n)}, true
}

// Keys returns the top level keys in order.
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.root.Content)/2)
	for i := 0; i < len(d.root.Content); i += 2 {
		keys = append(keys, d.root.Content[i].Value)
	}
	return keys
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return New()
	}
	return &Document{root: cloneNode(d.root)}
}

// References lists every ${node.attr} reference in the document, in order.
func (d *Document) References() []string {
	var refs []string
	walkScalars(d.root, func(n *yaml.Node) {
		for _, m := range referencePattern.FindAllStringSubmatch(n.Value, -1) {
			refs = append(refs, m[1]+"."+m[2])
		}
	})
	return refs
}

// Interpolate returns a copy with every ${node.attr} reference replaced by
// the value resolve returns. The first reference resolve cannot satisfy
// fails the whole interpolation.
func (d *Document) Interpolate(resolve func(ref string) (string, bool)) (*Document, error) {
	out := d.Clone()
	var missing string
	walkScalars(out.root, func(n *yaml.Node) {
		if missing != "" || !strings.Contains(n.Value, "${") {
			return
		}
		replaced := referencePattern.ReplaceAllStringFunc(n.Value, func(match string) string {
			m := referencePattern.FindStringSubmatch(match)
			ref := m[1] + "." + m[2]
			v, ok := resolve(ref)
			if !ok {
				if missing == "" {
					missing = ref
				}
				return match
			}
			return v
		})
		if replaced != n.Value {
			n.Value = replaced
			n.Tag = "!!str"
			n.Style = 0
		}
	})
	if missing != "" {
		return nil, &UnresolvedReferenceError{Reference: missing}
	}
	return out, nil
}

// ToMap decodes the document into generic Go values (for Helm and JSON
// encoders that need them). Key order is not kept by the result.
func (d *Document) ToMap() (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if err := d.root.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return out, nil
}

// Decode decodes the document into v.
func (d *Document) Decode(v interface{}) error {
	return d.root.Decode(v)
}

// MarshalYAML implements yaml.Marshaler.
func (d *Document) MarshalYAML() (interface{}, error) {
	return d.root, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Document) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("document must be a mapping, got %s", kindName(n.Kind))
	}
	d.root = cloneNode(n)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d *Document) MarshalJSON() ([]byte, error) {
	m, err := d.ToMap()
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler. JSON is valid YAML, so the
// yaml decoder keeps the key order of the input.
func (d *Document) UnmarshalJSON(data []byte) error {
	parsed, err := FromYAML(data)
	if err != nil {
		return err
	}
	d.root = parsed.root
	return nil
}

// YAML renders the document.
func (d *Document) YAML() ([]byte, error) {
	return yaml.Marshal(d.root)
}

// UnresolvedReferenceError is returned by Interpolate.
type UnresolvedReferenceError struct {
	Reference string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference ${%s}", e.Reference)
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func walkScalars(n *yaml.Node, fn func(*yaml.Node)) {
	if n == nil {
		return
	}
	if n.Kind == yaml.ScalarNode {
		fn(n)
		return
	}
	if n.Kind == yaml.MappingNode {
		// keys are never interpolated
		for i := 1; i < len(n.Content); i += 2 {
			walkScalars(n.Content[i], fn)
		}
		return
	}
	for _, c := range n.Content {
		walkScalars(c, fn)
	}
}

func cloneNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Alias != nil {
		c.Alias = cloneNode(n.Alias)
	}
	if len(n.Content) > 0 {
		c.Content = make([]*yaml.Node, len(n.Content))
		for i, child := range n.Content {
			c.Content[i] = cloneNode(child)
		}
	}
	return &c
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown"
}

package docstore

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

type OpKind string

const (
	OpSet    OpKind = "set"
	OpAppend OpKind = "append"
	OpRemove OpKind = "remove"
)

// Path addresses a field inside a document body.
type Path []string

// Field builds a path from its segments.
func Field(segments ...string) Path { return Path(segments) }

func (p Path) String() string { return strings.Join(p, ".") }

func (p Path) validate() error {
	if len(p) == 0 {
		return fmt.Errorf("empty path")
	}
	for _, seg := range p {
		if seg == "" {
			return fmt.Errorf("empty segment in path %q", p.String())
		}
	}
	return nil
}

// Set replaces the value at p, creating missing parent objects.
func (p Path) Set(v any) Op { return Op{Path: p, Kind: OpSet, Value: v} }

// Append adds values to the array at p, creating it when absent.
func (p Path) Append(vs ...any) Op { return Op{Path: p, Kind: OpAppend, Value: vs} }

// RemoveWhere drops the elements of the array at p whose key field equals
// one of values. Scalar elements are compared directly. A missing array is
// left alone.
func (p Path) RemoveWhere(key string, values ...string) Op {
	return Op{Path: p, Kind: OpRemove, Key: key, Value: values}
}

// Op is one field-level change.
type Op struct {
	Path  Path
	Kind  OpKind
	Key   string
	Value any
}

// Patch is an ordered set of field-level changes applied atomically.
// Updating results.<test> rather than results keeps concurrent writers to
// different tests from overwriting each other.
type Patch []Op

// Paths lists the dotted paths touched by the patch.
func (p Patch) Paths() []string {
	out := make([]string, 0, len(p))
	for _, op := range p {
		out = append(out, op.Path.String())
	}
	return out
}

// Apply applies patch to a decoded document body in place.
func Apply(body map[string]any, patch Patch) error {
	for _, op := range patch {
		if err := op.Path.validate(); err != nil {
			return fmt.Errorf("%s op: %w", op.Kind, err)
		}
		parent := walk(body, op.Path[:len(op.Path)-1])
		leaf := op.Path[len(op.Path)-1]
		switch op.Kind {
		case OpSet:
			v, err := normalize(op.Value)
			if err != nil {
				return fmt.Errorf("set %s: %w", op.Path, err)
			}
			parent[leaf] = v
		case OpAppend:
			v, err := normalize(op.Value)
			if err != nil {
				return fmt.Errorf("append %s: %w", op.Path, err)
			}
			items, _ := v.([]any)
			existing, _ := parent[leaf].([]any)
			parent[leaf] = append(existing, items...)
		case OpRemove:
			values, _ := op.Value.([]string)
			existing, ok := parent[leaf].([]any)
			if !ok {
				continue
			}
			kept := make([]any, 0, len(existing))
			for _, item := range existing {
				if !elementMatches(item, op.Key, values) {
					kept = append(kept, item)
				}
			}
			parent[leaf] = kept
		default:
			return fmt.Errorf("unknown op kind %q", op.Kind)
		}
	}
	return nil
}

func elementMatches(item any, key string, values []string) bool {
	var s string
	switch v := item.(type) {
	case string:
		s = v
	case map[string]any:
		s, _ = v[key].(string)
	default:
		return false
	}
	return slices.Contains(values, s)
}

// walk descends into body creating objects for missing or non-object segments.
func walk(body map[string]any, path []string) map[string]any {
	cur := body
	for _, seg := range path {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	return cur
}

// normalize round-trips v through JSON so stored bodies only hold plain JSON values.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode marshals v into a document body object.
func Encode(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var body map[string]any
	if err := json.Unmarshal(b, &body); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

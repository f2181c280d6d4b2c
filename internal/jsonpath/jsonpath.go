// Package jsonpath implements the dot/bracket path expressions used by
// request and response templates. A path is a sequence of steps separated
// by "."; a leading "$." root marker is stripped; "[n]" brackets are
// flattened; a step that is a decimal integer addresses an array position,
// anything else addresses an object key.
package jsonpath

import (
	"fmt"
	"strconv"
	"strings"
)

// step is a tagged variant: an object key or an array index.
type step struct {
	key     string
	index   int
	indexed bool
}

// Path is a parsed path expression.
type Path struct {
	raw   string
	steps []step
}

// Parse splits a path expression into steps. Empty expressions and
// expressions with no usable steps are invalid.
func Parse(expr string) (Path, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(expr), "$.")
	segs := strings.FieldsFunc(trimmed, func(r rune) bool {
		return r == '.' || r == '[' || r == ']'
	})
	if len(segs) == 0 {
		return Path{}, fmt.Errorf("invalid path expression %q", expr)
	}

	steps := make([]step, 0, len(segs))
	for _, seg := range segs {
		if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 {
			steps = append(steps, step{index: idx, indexed: true})
			continue
		}
		// Negative or non-numeric segments address object keys; "-1" is
		// the key named "-1", not a last-element alias.
		steps = append(steps, step{key: seg})
	}
	return Path{raw: expr, steps: steps}, nil
}

// MustParse is Parse for compile-time-known expressions.
func MustParse(expr string) Path {
	p, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original expression.
func (p Path) String() string { return p.raw }

// Len returns the number of steps.
func (p Path) Len() int { return len(p.steps) }

// Get walks doc along the path. The second return is false when any step
// lands on a missing or null node; a present-but-null terminal value is
// also reported as not found, matching evaluation semantics.
func Get(doc interface{}, p Path) (interface{}, bool) {
	cur := doc
	for _, s := range p.steps {
		if cur == nil {
			return nil, false
		}
		if s.indexed {
			arr, ok := cur.([]interface{})
			if !ok || s.index >= len(arr) {
				return nil, false
			}
			cur = arr[s.index]
			continue
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[s.key]
		if !ok {
			return nil, false
		}
		cur = v
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Set assigns v at the path inside root, materializing missing containers:
// an intermediate node is created as an array when the step addressing it
// is a decimal integer, otherwise as an object. The (possibly replaced)
// root is returned; existing array elements keep their positions.
func Set(root interface{}, p Path, v interface{}) interface{} {
	return assign(root, p.steps, v)
}

func assign(cur interface{}, steps []step, v interface{}) interface{} {
	if len(steps) == 0 {
		return v
	}
	s := steps[0]
	if s.indexed {
		arr, _ := cur.([]interface{})
		for len(arr) <= s.index {
			arr = append(arr, nil)
		}
		arr[s.index] = assign(arr[s.index], steps[1:], v)
		return arr
	}
	m, ok := cur.(map[string]interface{})
	if !ok {
		m = make(map[string]interface{})
	}
	m[s.key] = assign(m[s.key], steps[1:], v)
	return m
}

// Clone deep-copies a JSON document (maps, slices, scalars).
func Clone(doc interface{}) interface{} {
	switch t := doc.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			out[k] = Clone(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, v := range t {
			out[i] = Clone(v)
		}
		return out
	default:
		return t
	}
}

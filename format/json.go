package format

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON rewrites string values of a JSON document. Object keys are never
// rewritten. Numbers keep their textual form.
type JSON struct{}

// Name returns "json".
func (JSON) Name() string { return "json" }

// Extensions returns ".json".
func (JSON) Extensions() []string { return []string{".json"} }

// Rewrite applies fn to every string value. Altered documents are written
// back indented with four spaces.
func (JSON) Rewrite(data []byte, fn RewriteFunc) ([]byte, bool, error) {
	v, err := decodeJSON(data)
	if err != nil {
		return nil, false, fmt.Errorf("json: %w", err)
	}
	v, altered, err := rewriteValue(v, fn)
	if err != nil || !altered {
		return data, false, err
	}
	out, err := encodeJSON(v, "    ")
	if err != nil {
		return nil, false, fmt.Errorf("json: %w", err)
	}
	return out, true, nil
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// encodeJSON marshals without HTML escaping. An empty indent gives one line.
func encodeJSON(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// rewriteValue walks a decoded JSON value.
func rewriteValue(v any, fn RewriteFunc) (any, bool, error) {
	switch t := v.(type) {
	case string:
		s, changed, err := fn(t)
		if err != nil {
			return v, false, err
		}
		return s, changed, nil

	case map[string]any:
		altered := false
		for k, child := range t {
			nv, changed, err := rewriteValue(child, fn)
			if err != nil {
				return v, false, err
			}
			if changed {
				t[k] = nv
				altered = true
			}
		}
		return t, altered, nil

	case []any:
		altered := false
		for i, child := range t {
			nv, changed, err := rewriteValue(child, fn)
			if err != nil {
				return v, false, err
			}
			if changed {
				t[i] = nv
				altered = true
			}
		}
		return t, altered, nil
	}
	return v, false, nil
}

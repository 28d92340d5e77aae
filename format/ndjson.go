package format

import (
	"bufio"
	"bytes"
	"fmt"
)

// maxLineSize bounds a single NDJSON record.
const maxLineSize = 16 * 1024 * 1024

// NDJSON rewrites newline-delimited JSON: each non-empty line is one JSON
// value rewritten like JSON. Unaltered lines are kept byte for byte.
type NDJSON struct{}

// Name returns "ndjson".
func (NDJSON) Name() string { return "ndjson" }

// Extensions returns ".ndjson" and ".jsonl".
func (NDJSON) Extensions() []string { return []string{".ndjson", ".jsonl"} }

// Rewrite applies fn to every string value of every record. Altered
// records are re-encoded on one line.
func (NDJSON) Rewrite(data []byte, fn RewriteFunc) ([]byte, bool, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var (
		out     bytes.Buffer
		altered bool
		lineNo  int
	)
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			out.Write(line)
			out.WriteByte('\n')
			continue
		}

		v, err := decodeJSON(line)
		if err != nil {
			return nil, false, fmt.Errorf("ndjson line %d: %w", lineNo, err)
		}
		v, changed, err := rewriteValue(v, fn)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			out.Write(line)
			out.WriteByte('\n')
			continue
		}
		altered = true
		enc, err := encodeJSON(v, "")
		if err != nil {
			return nil, false, fmt.Errorf("ndjson line %d: %w", lineNo, err)
		}
		out.Write(enc) // Encode ends with a newline
	}
	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("ndjson: %w", err)
	}
	if !altered {
		return data, false, nil
	}
	return out.Bytes(), true, nil
}

package otlp

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// numberPreserving keeps integer literals such as intValue intact while the
// document is rewritten.
var numberPreserving = jsoniter.Config{
	EscapeHTML: false,
	UseNumber:  true,
}.Froze()

var idFields = map[string]int{
	"traceId":        traceIDSize,
	"trace_id":       traceIDSize,
	"spanId":         spanIDSize,
	"span_id":        spanIDSize,
	"parentSpanId":   spanIDSize,
	"parent_span_id": spanIDSize,
}

// rewriteHexIDs converts hex encoded identifiers into the base64 form proto3
// JSON expects. A 16 byte trace ID is 32 hex characters but 24 base64
// characters, so the two encodings are told apart by length. Bodies without
// hex identifiers are returned unchanged.
func rewriteHexIDs(body []byte) ([]byte, error) {
	var doc any
	if err := numberPreserving.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if !rewriteNode(doc) {
		return body, nil
	}
	out, err := numberPreserving.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode json: %w", err)
	}
	return out, nil
}

func rewriteNode(node any) bool {
	changed := false
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			if size, ok := idFields[k]; ok {
				if s, ok := v.(string); ok {
					if b64, ok := hexToBase64(s, size); ok {
						n[k] = b64
						changed = true
					}
					continue
				}
			}
			if rewriteNode(v) {
				changed = true
			}
		}
	case []any:
		for _, v := range n {
			if rewriteNode(v) {
				changed = true
			}
		}
	}
	return changed
}

func hexToBase64(s string, size int) (string, bool) {
	if len(s) != size*2 {
		return "", false
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", false
	}
	return base64.StdEncoding.EncodeToString(raw), true
}

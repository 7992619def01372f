package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aiqa/server/cli/internal/output"
	"github.com/aiqa/server/services/ingest"
	"github.com/aiqa/server/services/ingest/otlp"
)

// detectContentType picks the payload encoding from an explicit name, the
// file extension, or the first byte of the payload.
func detectContentType(explicit, path string, data []byte) (otlp.ContentType, error) {
	switch strings.ToLower(explicit) {
	case "json":
		return otlp.ContentTypeJSON, nil
	case "protobuf", "proto":
		return otlp.ContentTypeProtobuf, nil
	case "":
	default:
		return otlp.ContentTypeUnknown, fmt.Errorf("unknown content type %q", explicit)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return otlp.ContentTypeJSON, nil
	case ".pb", ".bin", ".proto":
		return otlp.ContentTypeProtobuf, nil
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return otlp.ContentTypeJSON, nil
	}
	return otlp.ContentTypeProtobuf, nil
}

// readPayload reads a request from path, or from stdin when path is "-".
func readPayload(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// usageSummary is the token usage of one span.
type usageSummary struct {
	InputTokens       int64   `json:"inputTokens" yaml:"inputTokens"`
	OutputTokens      int64   `json:"outputTokens" yaml:"outputTokens"`
	CachedInputTokens int64   `json:"cachedInputTokens,omitempty" yaml:"cachedInputTokens,omitempty"`
	TotalTokens       int64   `json:"totalTokens" yaml:"totalTokens"`
	Cost              float64 `json:"cost" yaml:"cost"`
}

// spanSummary is one decoded span as printed by "aiqa decode".
type spanSummary struct {
	TraceID      string         `json:"traceId" yaml:"traceId"`
	SpanID       string         `json:"spanId" yaml:"spanId"`
	ParentSpanID string         `json:"parentSpanId,omitempty" yaml:"parentSpanId,omitempty"`
	Name         string         `json:"name" yaml:"name"`
	Kind         string         `json:"kind" yaml:"kind"`
	Status       string         `json:"status" yaml:"status"`
	Start        time.Time      `json:"start" yaml:"start"`
	DurationMs   *int64         `json:"durationMs,omitempty" yaml:"durationMs,omitempty"`
	Usage        usageSummary   `json:"usage" yaml:"usage"`
	Attributes   map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

func summarize(spans []ingest.Span) []spanSummary {
	out := make([]spanSummary, 0, len(spans))
	for i := range spans {
		sp := &spans[i]
		s := spanSummary{
			TraceID:      sp.TraceID,
			SpanID:       sp.ID,
			ParentSpanID: sp.ParentID,
			Name:         sp.Name,
			Kind:         ingest.SpanKindToString(sp.Kind),
			Status:       ingest.StatusCodeToString(sp.Status.Code),
			Start:        sp.Start,
			Usage:        usageSummary(sp.TokenUsage()),
			Attributes:   sp.Attributes,
		}
		if d, ok := sp.Duration(); ok {
			ms := d.Milliseconds()
			s.DurationMs = &ms
		}
		out = append(out, s)
	}
	return out
}

func spanTable(spans []spanSummary) output.Table {
	table := output.Table{Headers: []string{"TRACE ID", "SPAN ID", "PARENT", "NAME", "DURATION", "TOKENS", "COST"}}
	for _, s := range spans {
		duration := "-"
		if s.DurationMs != nil {
			duration = fmt.Sprintf("%dms", *s.DurationMs)
		}
		parent := s.ParentSpanID
		if parent == "" {
			parent = "-"
		}
		tokens := s.Usage.TotalTokens
		if tokens == 0 {
			tokens = s.Usage.InputTokens + s.Usage.OutputTokens
		}
		table.Append(
			s.TraceID,
			s.SpanID,
			parent,
			s.Name,
			duration,
			strconv.FormatInt(tokens, 10),
			strconv.FormatFloat(s.Usage.Cost, 'f', -1, 64),
		)
	}
	return table
}

var encodeCmd = &cobra.Command{
	Use:   "encode <request.json|->",
	Short: "Convert an OTLP/JSON request to protobuf",
	Long:  "Reads an OTLP/JSON export request (hex or base64 identifiers) and writes the protobuf encoding.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readPayload(cmd, args[0])
		if err != nil {
			return err
		}
		req, err := otlp.Decode(data, otlp.ContentTypeJSON)
		if err != nil {
			return fmt.Errorf("failed to decode %s: %w", args[0], err)
		}
		out, err := otlp.Encode(req)
		if err != nil {
			return fmt.Errorf("failed to encode protobuf: %w", err)
		}

		dest, _ := cmd.Flags().GetString("out")
		if dest == "" {
			_, err := cmd.OutOrStdout().Write(out)
			return err
		}
		if err := os.WriteFile(dest, out, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", dest, err)
		}
		output.Success(cmd.ErrOrStderr(), "Wrote %d span(s), %d bytes to %s", req.SpanCount(), len(out), dest)
		return nil
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode <request|->",
	Short: "Print the spans in an OTLP request",
	Long:  "Decodes an OTLP/JSON or OTLP/protobuf export request and prints its spans with their token usage.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readPayload(cmd, args[0])
		if err != nil {
			return err
		}
		explicit, _ := cmd.Flags().GetString("content-type")
		ct, err := detectContentType(explicit, args[0], data)
		if err != nil {
			return err
		}
		req, err := otlp.Decode(data, ct)
		if err != nil {
			return fmt.Errorf("failed to decode %s: %w", args[0], err)
		}

		spans := summarize(ingest.Normalize(req))
		w := newWriter(cmd)
		if w.Format().Structured() {
			return w.Print(spans)
		}
		return w.Print(spanTable(spans))
	},
}

func init() {
	encodeCmd.Flags().String("out", "", "Output file (default stdout)")
	decodeCmd.Flags().String("content-type", "", "Payload encoding (json, protobuf); detected when empty")
}

package cmd

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/aiqa/server/cli/internal/output"
	"github.com/aiqa/server/services/ingest"
	"github.com/aiqa/server/services/ingest/otlp"
)

// testSpanOptions describes the spans sent by "aiqa send".
type testSpanOptions struct {
	ServiceName  string
	Name         string
	TraceID      string
	ParentID     string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	// Child adds an llm.call child span carrying the token usage.
	Child bool
	Now   time.Time
}

// sendResult is printed after a successful send.
type sendResult struct {
	Transport string   `json:"transport" yaml:"transport"`
	Endpoint  string   `json:"endpoint" yaml:"endpoint"`
	TraceID   string   `json:"traceId" yaml:"traceId"`
	SpanIDs   []string `json:"spanIds" yaml:"spanIds"`
}

func newTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func newSpanID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:8])
}

// buildTestRequest returns a one or two span export request.
func buildTestRequest(opts testSpanOptions) *otlp.DecodedRequest {
	if opts.TraceID == "" {
		opts.TraceID = newTraceID()
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	start := uint64(opts.Now.Add(-100 * time.Millisecond).UnixNano())
	end := uint64(opts.Now.UnixNano())

	usage := otlp.Attributes{}
	if opts.InputTokens > 0 {
		usage[ingest.AttrInputTokens] = otlp.IntValue(opts.InputTokens)
	}
	if opts.OutputTokens > 0 {
		usage[ingest.AttrOutputTokens] = otlp.IntValue(opts.OutputTokens)
	}
	if opts.InputTokens > 0 || opts.OutputTokens > 0 {
		usage[ingest.AttrTotalTokens] = otlp.IntValue(opts.InputTokens + opts.OutputTokens)
	}
	if opts.Cost > 0 {
		usage[ingest.AttrCostUSD] = otlp.DoubleValue(opts.Cost)
	}

	root := otlp.Span{
		TraceID:           opts.TraceID,
		SpanID:            newSpanID(),
		ParentSpanID:      opts.ParentID,
		Name:              opts.Name,
		Kind:              otlp.SpanKindInternal,
		StartTimeUnixNano: start,
		EndTimeUnixNano:   end,
		Attributes: otlp.Attributes{
			"test.type":      otlp.StringValue("otel-endpoint-test"),
			"test.timestamp": otlp.IntValue(opts.Now.Unix()),
			"test.message":   otlp.StringValue("This is a test span from the aiqa CLI"),
		},
		Status: otlp.Status{Code: otlp.StatusCodeOK},
	}

	spans := []otlp.Span{root}
	if opts.Child {
		spans = append(spans, otlp.Span{
			TraceID:           opts.TraceID,
			SpanID:            newSpanID(),
			ParentSpanID:      root.SpanID,
			Name:              "llm.call",
			Kind:              otlp.SpanKindClient,
			StartTimeUnixNano: start + uint64(10*time.Millisecond),
			EndTimeUnixNano:   end - uint64(10*time.Millisecond),
			Attributes:        usage,
			Status:            otlp.Status{Code: otlp.StatusCodeOK},
		})
	} else {
		for k, v := range usage {
			spans[0].Attributes[k] = v
		}
	}

	return &otlp.DecodedRequest{ResourceSpans: []otlp.ResourceSpans{{
		Resource: otlp.Resource{Attributes: otlp.Attributes{
			"service.name": otlp.StringValue(opts.ServiceName),
		}},
		ScopeSpans: []otlp.ScopeSpans{{
			Scope: otlp.Scope{Name: "aiqa-cli", Version: Version},
			Spans: spans,
		}},
	}}}
}

// sendHTTP posts req to url in the given encoding.
func sendHTTP(ctx context.Context, client *http.Client, url, apiKey string, ct otlp.ContentType, req *otlp.DecodedRequest) error {
	var (
		body []byte
		err  error
	)
	if ct == otlp.ContentTypeProtobuf {
		body, err = otlp.Encode(req)
	} else {
		body, err = otlp.EncodeJSON(req)
	}
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", ct.String())
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "ApiKey "+apiKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, statusMessage(resp.Header.Get("Content-Type"), respBody))
}

// statusMessage extracts the message of a google.rpc.Status error body.
func statusMessage(contentType string, body []byte) string {
	var st spb.Status
	var err error
	if strings.HasPrefix(contentType, otlp.MIMEProtobuf) {
		err = proto.Unmarshal(body, &st)
	} else {
		err = protojson.Unmarshal(body, &st)
	}
	if err != nil || st.GetMessage() == "" {
		return strings.TrimSpace(string(body))
	}
	return st.GetMessage()
}

// sendGRPC exports req over conn.
func sendGRPC(ctx context.Context, conn grpc.ClientConnInterface, apiKey string, req *otlp.DecodedRequest) error {
	msg, err := otlp.ToProto(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	if apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "ApiKey "+apiKey)
	}
	if _, err := coltracepb.NewTraceServiceClient(conn).Export(ctx, msg); err != nil {
		return fmt.Errorf("failed to export spans: %w", err)
	}
	return nil
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a test span",
	Long:  "Sends a test span, optionally with an LLM child span carrying token usage, to the ingestion server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		transport, _ := cmd.Flags().GetString("transport")
		encoding, _ := cmd.Flags().GetString("encoding")
		apiKey, _ := cmd.Flags().GetString("api-key")
		if apiKey == "" {
			apiKey = cfg.APIKey
		}

		opts := testSpanOptions{}
		opts.ServiceName, _ = cmd.Flags().GetString("service-name")
		opts.Name, _ = cmd.Flags().GetString("name")
		opts.TraceID, _ = cmd.Flags().GetString("trace-id")
		opts.ParentID, _ = cmd.Flags().GetString("parent-id")
		opts.InputTokens, _ = cmd.Flags().GetInt64("input-tokens")
		opts.OutputTokens, _ = cmd.Flags().GetInt64("output-tokens")
		opts.Cost, _ = cmd.Flags().GetFloat64("cost")
		opts.Child, _ = cmd.Flags().GetBool("child")
		req := buildTestRequest(opts)

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
		defer cancel()

		result := sendResult{Transport: transport}
		switch transport {
		case "http":
			ct := otlp.ContentTypeJSON
			switch encoding {
			case "json":
			case "protobuf", "proto":
				ct = otlp.ContentTypeProtobuf
			default:
				return fmt.Errorf("unknown encoding %q", encoding)
			}
			result.Endpoint = cfg.TracesURL()
			if err := sendHTTP(ctx, &http.Client{Timeout: cfg.Timeout}, result.Endpoint, apiKey, ct, req); err != nil {
				return err
			}
		case "grpc":
			result.Endpoint = cfg.GRPCAddr
			conn, err := grpc.NewClient(cfg.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer conn.Close()
			if err := sendGRPC(ctx, conn, apiKey, req); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown transport %q", transport)
		}

		for _, sp := range req.ResourceSpans[0].ScopeSpans[0].Spans {
			result.TraceID = sp.TraceID
			result.SpanIDs = append(result.SpanIDs, sp.SpanID)
		}

		w := newWriter(cmd)
		if w.Format().Structured() {
			return w.Print(result)
		}
		output.Success(cmd.OutOrStdout(), "Sent %d span(s) to %s over %s", len(result.SpanIDs), result.Endpoint, transport)
		output.Info(cmd.OutOrStdout(), "trace_id=%s span_ids=%s", result.TraceID, strings.Join(result.SpanIDs, ","))
		return nil
	},
}

func init() {
	sendCmd.Flags().String("transport", "http", "Transport (http, grpc)")
	sendCmd.Flags().String("encoding", "json", "HTTP body encoding (json, protobuf)")
	sendCmd.Flags().String("api-key", "", "API key (default $AIQA_API_KEY)")
	sendCmd.Flags().String("service-name", "test-service", "Resource service.name")
	sendCmd.Flags().String("name", "test-span", "Span name")
	sendCmd.Flags().String("trace-id", "", "Trace ID as 32 hex characters (default random)")
	sendCmd.Flags().String("parent-id", "", "Parent span ID as 16 hex characters")
	sendCmd.Flags().Int64("input-tokens", 0, "gen_ai.usage.input_tokens")
	sendCmd.Flags().Int64("output-tokens", 0, "gen_ai.usage.output_tokens")
	sendCmd.Flags().Float64("cost", 0, "gen_ai.cost.usd")
	sendCmd.Flags().Bool("child", false, "Put the token usage on an llm.call child span")
}

// Package llm implements the structured LLM/VLM client surface: two
// interface methods backed by a raw gRPC Invoke call against a
// structpb.Struct wire payload, since no generated service stub is
// available for the remote model service.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is the structured-response surface every stage controller and
// worker uses to talk to an LLM or VLM endpoint.
type Client interface {
	// StructuredQuery asks the LLM to answer in the shape of out (a
	// pointer to a struct) and decodes the response into it.
	StructuredQuery(ctx context.Context, systemMessage, userMessage string, out any) error

	// StructuredVisionQuery is StructuredQuery plus a set of image paths,
	// used by the VLM plot-review pass.
	StructuredVisionQuery(ctx context.Context, systemMessage string, imagePaths []string, maxImages int, out any) error
}

// GRPCClient implements Client over a raw grpc.ClientConn.Invoke call: the
// request and response are both structpb.Struct values, since there is no
// generated stub for the remote model service's RPC method.
type GRPCClient struct {
	conn      *grpc.ClientConn
	model     string
	temp      float64
	timeout   time.Duration
	method    string
}

// NewGRPCClient wraps an already-dialed connection. method is the fully
// qualified gRPC method name, e.g. "/kepler.llm.v1.Model/StructuredQuery".
func NewGRPCClient(conn *grpc.ClientConn, method, model string, temperature float64, timeout time.Duration) *GRPCClient {
	return &GRPCClient{conn: conn, method: method, model: model, temp: temperature, timeout: timeout}
}

func (c *GRPCClient) StructuredQuery(ctx context.Context, systemMessage, userMessage string, out any) error {
	req, err := structpb.NewStruct(map[string]any{
		"system_message": systemMessage,
		"user_message":   userMessage,
		"model":          c.model,
		"temperature":    c.temp,
	})
	if err != nil {
		return fmt.Errorf("llm: build request struct: %w", err)
	}
	return c.invoke(ctx, req, out)
}

func (c *GRPCClient) StructuredVisionQuery(ctx context.Context, systemMessage string, imagePaths []string, maxImages int, out any) error {
	if maxImages > 0 && len(imagePaths) > maxImages {
		imagePaths = imagePaths[:maxImages]
	}
	imgs := make([]any, len(imagePaths))
	for i, p := range imagePaths {
		imgs[i] = p
	}
	req, err := structpb.NewStruct(map[string]any{
		"system_message": systemMessage,
		"image_paths":    imgs,
		"model":          c.model,
		"temperature":    c.temp,
	})
	if err != nil {
		return fmt.Errorf("llm: build vision request struct: %w", err)
	}
	return c.invoke(ctx, req, out)
}

func (c *GRPCClient) invoke(ctx context.Context, req *structpb.Struct, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, c.method, req, resp); err != nil {
		return fmt.Errorf("llm: invoke %s: %w", c.method, err)
	}

	// structpb.Struct.AsMap() round-tripped through encoding/json is the
	// decode path: no generated message type exists for the response.
	raw, err := json.Marshal(resp.AsMap())
	if err != nil {
		return fmt.Errorf("llm: marshal response struct: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("llm: decode response into %T: %w", out, err)
	}
	return nil
}

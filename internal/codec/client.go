// Package codec is the gRPC client for a remote embedding service.
package codec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/agent-learning/internal/embedding"
)

// DefaultEmbedMethod is the unary RPC invoked when none is configured.
const DefaultEmbedMethod = "/adaptive.CodecService/EmbedText"

// ErrEmptyEmbedding is returned when the service answers with no values.
var ErrEmptyEmbedding = errors.New("embed rpc: empty embedding")

// #region client-struct

// EmbedClient sends text to a remote embedding service. The request is a
// google.protobuf.StringValue and the response a google.protobuf.ListValue
// of numbers, so no generated stubs are needed.
type EmbedClient struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	method  string
	timeout time.Duration
}

var _ embedding.Embedder = (*EmbedClient)(nil)

// Options configures NewEmbedClient.
type Options struct {
	Method  string
	Timeout time.Duration
}

// #endregion client-struct

// #region constructor

// NewEmbedClient connects to the embedding gRPC server at addr.
func NewEmbedClient(addr string, opts Options) (*EmbedClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	c := NewEmbedClientWithConn(conn, opts.Method)
	c.closer = conn.Close
	c.timeout = opts.Timeout
	return c, nil
}

// NewEmbedClientWithConn creates an EmbedClient over an existing connection.
// Used for testing without a real server address.
func NewEmbedClientWithConn(conn grpc.ClientConnInterface, method string) *EmbedClient {
	if method == "" {
		method = DefaultEmbedMethod
	}
	return &EmbedClient{conn: conn, method: method}
}

// #endregion constructor

// #region close

// Close shuts down the gRPC connection if the client owns it.
func (c *EmbedClient) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// #endregion close

// #region embed

// Embed sends text to the service for embedding.
func (c *EmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, embedding.ErrEmptyText
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp := &structpb.ListValue{}
	if err := c.conn.Invoke(ctx, c.method, wrapperspb.String(text), resp); err != nil {
		return nil, fmt.Errorf("embed rpc: %w", err)
	}
	if len(resp.GetValues()) == 0 {
		return nil, ErrEmptyEmbedding
	}

	out := make([]float32, len(resp.GetValues()))
	for i, v := range resp.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("embed rpc: value %d is not a number", i)
		}
		out[i] = float32(n.NumberValue)
	}
	return out, nil
}

// #endregion embed

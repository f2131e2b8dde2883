package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"sportsedge/internal/errs"
)

// MCPAdapter calls one MCP tool per Fetch. The tool's text content is the envelope
// data; a tool error result becomes an Envelope with OK=false.
type MCPAdapter struct {
	ID     string
	Logger *zap.Logger

	dial func() (*client.Client, error)

	mu     sync.Mutex
	client *client.Client
}

func NewMCPAdapter(id, endpoint, apiKey string, logger *zap.Logger) *MCPAdapter {
	return &MCPAdapter{
		ID:     id,
		Logger: logger,
		dial: func() (*client.Client, error) {
			var opts []transport.StreamableHTTPCOption
			if apiKey != "" {
				opts = append(opts, transport.WithHTTPHeaders(map[string]string{"Authorization": "Bearer " + apiKey}))
			}
			return client.NewStreamableHttpClient(strings.TrimSpace(endpoint), opts...)
		},
	}
}

// NewInProcessMCPAdapter talks to a server living in the same process.
func NewInProcessMCPAdapter(id string, srv *server.MCPServer, logger *zap.Logger) *MCPAdapter {
	return &MCPAdapter{
		ID:     id,
		Logger: logger,
		dial: func() (*client.Client, error) {
			return client.NewInProcessClient(srv)
		},
	}
}

func (a *MCPAdapter) Fetch(ctx context.Context, req Request) (Envelope, error) {
	const op = "source.mcp"
	c, err := a.connect(ctx)
	if err != nil {
		return Envelope{}, a.classify(ctx, op, err)
	}

	call := mcp.CallToolRequest{}
	call.Params.Name = req.Tool
	call.Params.Arguments = req.Args
	res, err := c.CallTool(ctx, call)
	if err != nil {
		a.reset()
		return Envelope{}, a.classify(ctx, op, err)
	}

	text := resultText(res)
	if res.IsError {
		return Envelope{OK: false, Error: text}, nil
	}
	if !json.Valid([]byte(text)) {
		return Envelope{}, errs.WithSource(errs.KindSourceParse, op, a.ID, fmt.Errorf("tool %s returned non-JSON content", req.Tool))
	}
	return Envelope{OK: true, Data: json.RawMessage(text)}, nil
}

func (a *MCPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	return err
}

func (a *MCPAdapter) connect(ctx context.Context) (*client.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	c, err := a.dial()
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "sportsedge", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, init); err != nil {
		_ = c.Close()
		return nil, err
	}
	a.client = c
	if a.Logger != nil {
		a.Logger.Debug("mcp source connected", zap.String("source", a.ID))
	}
	return c, nil
}

func (a *MCPAdapter) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		_ = a.client.Close()
		a.client = nil
	}
}

func (a *MCPAdapter) classify(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return errs.WithSource(errs.KindSourceTimeout, op, a.ID, err)
	}
	return errs.WithSource(errs.KindSourceTransient, op, a.ID, err)
}

func resultText(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			b.WriteString(tc.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

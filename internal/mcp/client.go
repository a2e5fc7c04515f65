package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/ShayCichocki/conductor/internal/logging"
)

// ClientInfo identifies conductor during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is reported by the server during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolSchema is one capability advertised by tools/list.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCallResult is the result of tools/call.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of tool output.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Text joins the text blocks of the result.
func (r *ToolCallResult) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, b := range r.Content {
		if b.Type == "text" || b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Client is one session with a tool server over stdio. The process is owned
// here so its exit status can be reported; the protocol runs over mcp-go.
type Client struct {
	server  string
	process *ProcessManager
	logger  logging.Logger
	info    ClientInfo

	rpc    *mcpclient.Client
	stdout *eofReader
	closed sync.Once

	mu      sync.Mutex
	dead    chan struct{}
	deadErr error
	tools   []ToolSchema
	remote  ServerInfo
}

// NewClient creates a session over process.
func NewClient(server string, process *ProcessManager, info ClientInfo, logger logging.Logger) *Client {
	return &Client{
		server:  server,
		process: process,
		info:    info,
		logger:  logging.Component(logger, "mcp:"+server),
		dead:    make(chan struct{}),
	}
}

// Start spawns the process, performs the handshake and caches the tool list.
func (c *Client) Start(ctx context.Context) error {
	if err := c.process.Start(ctx); err != nil {
		return err
	}
	go c.watchExit(c.process.Done())

	// Server stderr is drained by the process manager.
	c.stdout = &eofReader{r: c.process.Stdout(), eof: make(chan struct{})}
	tr := transport.NewIO(c.stdout, c.process.Stdin(), io.NopCloser(strings.NewReader("")))
	c.rpc = mcpclient.NewClient(tr)
	if err := c.rpc.Start(context.WithoutCancel(ctx)); err != nil {
		_ = c.process.Stop(2 * time.Second)
		return fmt.Errorf("start transport: %w", err)
	}

	if err := c.initialize(ctx); err != nil {
		c.abort()
		return fmt.Errorf("initialize handshake: %w", err)
	}

	tools, err := c.listTools(ctx)
	if err != nil {
		c.abort()
		return fmt.Errorf("capability discovery: %w", err)
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	c.logger.Log("initialized %s %s with %d capabilities", c.remote.Name, c.remote.Version, len(tools))
	return nil
}

func (c *Client) abort() {
	_ = c.Stop(2 * time.Second)
}

// Stop terminates the session.
func (c *Client) Stop(timeout time.Duration) error {
	err := c.process.Stop(timeout)
	if c.rpc != nil {
		c.closed.Do(func() { _ = c.rpc.Close() })
	}
	return err
}

// Alive reports whether the session can still accept calls.
func (c *Client) Alive() bool {
	select {
	case <-c.dead:
		return false
	default:
		return c.process.IsRunning()
	}
}

// Tools returns the cached capability list.
func (c *Client) Tools() []ToolSchema {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolSchema(nil), c.tools...)
}

func (c *Client) initialize(ctx context.Context) error {
	req := mcpgo.InitializeRequest{}
	req.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcpgo.Implementation{Name: c.info.Name, Version: c.info.Version}

	var res *mcpgo.InitializeResult
	err := c.session(ctx, "initialize", func(ctx context.Context) error {
		var err error
		res, err = c.rpc.Initialize(ctx, req)
		return err
	})
	if err != nil {
		return err
	}
	if res.ProtocolVersion != mcpgo.LATEST_PROTOCOL_VERSION {
		c.logger.Log("protocol version: client=%s server=%s", mcpgo.LATEST_PROTOCOL_VERSION, res.ProtocolVersion)
	}
	c.remote = ServerInfo{Name: res.ServerInfo.Name, Version: res.ServerInfo.Version}
	return nil
}

func (c *Client) listTools(ctx context.Context) ([]ToolSchema, error) {
	var res *mcpgo.ListToolsResult
	err := c.session(ctx, "tools/list", func(ctx context.Context) error {
		var err error
		res, err = c.rpc.ListTools(ctx, mcpgo.ListToolsRequest{})
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]ToolSchema, 0, len(res.Tools))
	for _, t := range res.Tools {
		out = append(out, ToolSchema{Name: t.Name, Description: t.Description, InputSchema: inputSchemaOf(t.InputSchema)})
	}
	return out, nil
}

// CallTool invokes one capability. A result flagged isError and a protocol
// error are both reported as CapabilityInvocationError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	var raw *mcpgo.CallToolResult
	err := c.session(ctx, "tools/call "+name, func(ctx context.Context) error {
		var err error
		raw, err = c.rpc.CallTool(ctx, req)
		return err
	})
	if err != nil {
		var crashed *ServerCrashedError
		if errors.As(err, &crashed) || ctx.Err() != nil {
			return nil, err
		}
		return nil, &CapabilityInvocationError{Server: c.server, Capability: name, Message: err.Error()}
	}

	res := convertResult(raw)
	if res.IsError {
		return res, &CapabilityInvocationError{Server: c.server, Capability: name, Message: res.Text()}
	}
	return res, nil
}

// session runs one round trip, abandoning it with ServerCrashedError if the
// process exits first.
func (c *Client) session(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	if err := c.exitErr(); err != nil {
		return err
	}
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.dead:
			cancel()
		case <-callCtx.Done():
		}
	}()

	c.logger.Log("-> %s", what)
	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if dead := c.exitErr(); dead != nil {
		return dead
	}
	// A closed stdout means the process is on its way out; report the exit
	// rather than the transport error it caused.
	select {
	case <-c.stdout.eof:
		select {
		case <-c.dead:
			return c.exitErr()
		case <-time.After(exitWait):
		}
	default:
	}
	return err
}

// exitWait bounds how long a failed call waits for the exit status after
// the server closed its stdout.
const exitWait = 2 * time.Second

// eofReader closes eof once the underlying reader fails.
type eofReader struct {
	r    io.Reader
	eof  chan struct{}
	once sync.Once
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil {
		e.once.Do(func() { close(e.eof) })
	}
	return n, err
}

func (c *Client) exitErr() error {
	select {
	case <-c.dead:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.deadErr
	default:
		return nil
	}
}

// watchExit fails every pending call once the process exits.
func (c *Client) watchExit(done <-chan struct{}) {
	<-done

	var err error
	if c.process.Expected() {
		err = &ServerCrashedError{Server: c.server, Err: errors.New("session closed")}
	} else {
		cause := c.process.ExitErr()
		if cause == nil {
			cause = errors.New("process exited")
		}
		err = &ServerCrashedError{Server: c.server, Err: cause}
	}

	c.mu.Lock()
	c.deadErr = err
	c.mu.Unlock()
	close(c.dead)
}

// inputSchemaOf flattens an advertised input schema into the generic form
// the validation and planning stages read.
func inputSchemaOf(s mcpgo.ToolInputSchema) map[string]any {
	if s.Type == "" && len(s.Properties) == 0 && len(s.Required) == 0 {
		return nil
	}
	out := map[string]any{"type": s.Type}
	if len(s.Properties) > 0 {
		out["properties"] = s.Properties
	}
	if len(s.Required) > 0 {
		out["required"] = append([]string(nil), s.Required...)
	}
	return out
}

func convertResult(r *mcpgo.CallToolResult) *ToolCallResult {
	out := &ToolCallResult{}
	if r == nil {
		return out
	}
	out.IsError = r.IsError
	for _, content := range r.Content {
		switch v := content.(type) {
		case mcpgo.TextContent:
			out.Content = append(out.Content, ContentBlock{Type: "text", Text: v.Text})
		case *mcpgo.TextContent:
			out.Content = append(out.Content, ContentBlock{Type: "text", Text: v.Text})
		case mcpgo.ImageContent:
			out.Content = append(out.Content, ContentBlock{Type: "image", Data: v.Data, MimeType: v.MIMEType})
		case *mcpgo.ImageContent:
			out.Content = append(out.Content, ContentBlock{Type: "image", Data: v.Data, MimeType: v.MIMEType})
		}
	}
	return out
}

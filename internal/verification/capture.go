package verification

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ShayCichocki/conductor/internal/mcp"
)

// Capture modes, from narrow to wide.
const (
	ModeWindow = "window"
	ModeScreen = "screen"
)

// CaptureRequest selects what to snapshot.
type CaptureRequest struct {
	Mode    string `json:"mode"`
	Target  string `json:"target,omitempty"`
	Display string `json:"display,omitempty"`
}

// Snapshot is a captured state image.
type Snapshot struct {
	FilePath string
	Metadata map[string]string
	// Data holds the image inline when the capturer returned it directly.
	Data      []byte
	MediaType string
}

// Capturer captures a state snapshot for perception checks.
type Capturer interface {
	CaptureSnapshot(ctx context.Context, req CaptureRequest) (*Snapshot, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context, req CaptureRequest) (*Snapshot, error)

// CaptureSnapshot implements Capturer.
func (f CapturerFunc) CaptureSnapshot(ctx context.Context, req CaptureRequest) (*Snapshot, error) {
	return f(ctx, req)
}

// Invoker calls a qualified capability. *mcp.Manager implements it.
type Invoker interface {
	InvokeQualified(ctx context.Context, qualified string, params map[string]any) (*mcp.ToolCallResult, error)
}

// MCPCapturer captures through a screenshot capability of a tool server.
// The capability receives mode, target and display and answers with an
// image block, a JSON object with file_path, or a bare path.
type MCPCapturer struct {
	invoker    Invoker
	capability string
}

// NewMCPCapturer creates a capturer calling the qualified capability.
func NewMCPCapturer(invoker Invoker, capability string) *MCPCapturer {
	return &MCPCapturer{invoker: invoker, capability: capability}
}

// CaptureSnapshot implements Capturer.
func (c *MCPCapturer) CaptureSnapshot(ctx context.Context, req CaptureRequest) (*Snapshot, error) {
	params := map[string]any{"mode": req.Mode}
	if req.Target != "" {
		params["target"] = req.Target
	}
	if req.Display != "" {
		params["display"] = req.Display
	}

	res, err := c.invoker.InvokeQualified(ctx, c.capability, params)
	if err != nil {
		return nil, fmt.Errorf("capture via %s: %w", c.capability, err)
	}
	if res.IsError {
		return nil, fmt.Errorf("capture via %s: %s", c.capability, res.Text())
	}

	meta := map[string]string{"mode": req.Mode, "target": req.Target, "display": req.Display}
	for _, b := range res.Content {
		if b.Type != "image" || b.Data == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(b.Data)
		if err != nil {
			return nil, fmt.Errorf("capture via %s: decode image: %w", c.capability, err)
		}
		return &Snapshot{Data: data, MediaType: b.MimeType, Metadata: meta}, nil
	}

	text := strings.TrimSpace(res.Text())
	var payload struct {
		FilePath string            `json:"file_path"`
		Metadata map[string]string `json:"metadata"`
	}
	if json.Unmarshal([]byte(text), &payload) == nil && payload.FilePath != "" {
		for k, v := range payload.Metadata {
			meta[k] = v
		}
		return &Snapshot{FilePath: payload.FilePath, Metadata: meta}, nil
	}
	if text == "" {
		return nil, fmt.Errorf("capture via %s: empty result", c.capability)
	}
	return &Snapshot{FilePath: text, Metadata: meta}, nil
}

// Image returns the snapshot bytes and media type, reading FilePath when the
// image is not inline.
func (s *Snapshot) Image() ([]byte, string, error) {
	if len(s.Data) > 0 {
		return s.Data, mediaTypeOr(s.MediaType, "image/png"), nil
	}
	if s.FilePath == "" {
		return nil, "", fmt.Errorf("snapshot has no image")
	}
	data, err := os.ReadFile(s.FilePath)
	if err != nil {
		return nil, "", fmt.Errorf("read snapshot: %w", err)
	}
	return data, mediaTypeOr(s.MediaType, mediaTypeFor(s.FilePath)), nil
}

func mediaTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

func mediaTypeOr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/conductor/internal/gateway"
)

// Endpoint is the gateway endpoint shared by every oracle call.
const Endpoint = "oracle"

// Gated routes every Score through the gateway, so oracle calls share one
// rate window, timeouts per call class, and dedup of identical requests.
type Gated struct {
	inner Oracle
	gw    *gateway.Gateway
}

// NewGated wraps inner.
func NewGated(inner Oracle, gw *gateway.Gateway) *Gated {
	return &Gated{inner: inner, gw: gw}
}

// Score implements Oracle.
func (g *Gated) Score(ctx context.Context, req Request) (*Result, error) {
	class := req.Class
	if class == "" {
		class = gateway.ClassPlanning
	}
	opts := gateway.CallOptions{Class: class, Key: requestKey(req)}

	res, err := gateway.Do(ctx, g.gw, Endpoint, opts, func(ctx context.Context) (*Result, error) {
		return g.inner.Score(ctx, req)
	})
	if err == nil {
		return res, nil
	}

	var malformed *MalformedResponseError
	if errors.As(err, &malformed) || errors.Is(err, context.Canceled) {
		return nil, err
	}
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		return nil, err
	}
	return nil, &UnavailableError{Err: err}
}

// requestKey fingerprints requests that may share one upstream call.
// Requests with attachments are never coalesced.
func requestKey(req Request) string {
	if len(req.Attachments) > 0 {
		return ""
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%g\x00", req.Purpose, req.System, req.Prompt, req.ModelHint, req.Temperature)
	names := make([]string, 0, len(req.Schema.Fields))
	for _, f := range req.Schema.Fields {
		names = append(names, f.Name+":"+string(f.Type)+":"+strings.Join(f.Enum, "|"))
	}
	fmt.Fprint(h, strings.Join(names, ","))
	return hex.EncodeToString(h.Sum(nil))
}

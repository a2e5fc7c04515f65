package oracle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/conductor/internal/gateway"
	"github.com/ShayCichocki/conductor/internal/logging"
)

// Provider names accepted by AnthropicConfig.
const (
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// AnthropicConfig configures the Anthropic binding.
type AnthropicConfig struct {
	// Provider is "anthropic" (API key) or "bedrock" (AWS credentials).
	Provider string
	// APIKey falls back to ANTHROPIC_API_KEY when empty.
	APIKey      string
	FastModel   string
	StrongModel string
	AWSRegion   string
	AWSProfile  string
	MaxTokens   int64
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// Anthropic scores requests with Claude models.
type Anthropic struct {
	client    anthropic.Client
	fast      anthropic.Model
	strong    anthropic.Model
	maxTokens int64
	logger    logging.Logger
}

// NewAnthropic creates the binding. SDK retries are disabled; the gateway
// owns retry and pacing.
func NewAnthropic(cfg AnthropicConfig, logger logging.Logger) (*Anthropic, error) {
	opts := []option.RequestOption{option.WithMaxRetries(0)}

	useBedrock := strings.EqualFold(cfg.Provider, ProviderBedrock)
	if useBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	fast := anthropic.Model(cfg.FastModel)
	if fast == "" {
		fast = anthropic.ModelClaudeHaiku4_5_20251001
	}
	strong := anthropic.Model(cfg.StrongModel)
	if strong == "" {
		strong = anthropic.ModelClaudeSonnet4_5_20250929
	}
	if useBedrock {
		fast = translateModelForBedrock(fast)
		strong = translateModelForBedrock(strong)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		fast:      fast,
		strong:    strong,
		maxTokens: maxTokens,
		logger:    logging.Component(logger, "oracle"),
	}, nil
}

// translateModelForBedrock converts Anthropic model names to Bedrock
// cross-region inference profiles: us.anthropic.{model}-v1:0
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if m, ok := bedrockModels[model]; ok {
		return anthropic.Model(m)
	}
	return model
}

// Model returns the model used for hint.
func (a *Anthropic) Model(hint ModelHint) anthropic.Model {
	if hint == ModelStrong {
		return a.strong
	}
	return a.fast
}

// Score sends one message and parses the answer against req.Schema.
func (a *Anthropic) Score(ctx context.Context, req Request) (*Result, error) {
	model := a.Model(req.ModelHint)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	var blocks []anthropic.ContentBlockParamUnion
	for _, att := range req.Attachments {
		blocks = append(blocks, anthropic.NewImageBlockBase64(att.MediaType, base64.StdEncoding.EncodeToString(att.Data)))
	}
	prompt := req.Prompt
	if len(req.Schema.Fields) > 0 {
		prompt += "\n\n" + req.Schema.Instructions()
	}
	blocks = append(blocks, anthropic.NewTextBlock(prompt))

	params := anthropic.MessageNewParams{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	a.logger.Log("%s -> %s (temp %.2f, %d attachments)", req.Purpose, model, req.Temperature, len(req.Attachments))
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	text := extractText(resp)
	res, err := Parse(text, req.Schema)
	if err != nil {
		a.logger.Log("%s: %v", req.Purpose, err)
		return nil, err
	}
	res.Model = string(model)
	return res, nil
}

// classifyError maps SDK failures onto the gateway taxonomy.
func classifyError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		se := &gateway.StatusError{Code: apiErr.StatusCode, Err: err}
		if apiErr.Response != nil {
			se.After = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"), time.Now())
		}
		return se
	}
	return &gateway.TransportError{Endpoint: Endpoint, Err: err}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func extractText(resp *anthropic.Message) string {
	var result string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			result += variant.Text
		}
	}
	return strings.TrimSpace(result)
}

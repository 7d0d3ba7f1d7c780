package auditor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/meridianctl/agentctl/internal/config"
	"github.com/meridianctl/agentctl/internal/logging"
	"github.com/meridianctl/agentctl/pkg/types"
)

const defaultMaxTokens = 8192

// LLMOracle answers review and decompose calls through an eino chat model.
// The model is asked for a single JSON object matching the oracle output
// contract; anything it wraps around that object (markdown fences, prose)
// is stripped before decoding.
type LLMOracle struct {
	chatModel model.ToolCallingChatModel
	backend   string
}

// NewLLMOracle builds the chat model for cfg.Backend.
func NewLLMOracle(ctx context.Context, cfg config.AuditorConfig) (*LLMOracle, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("auditor backend %q requires an API key", cfg.Backend)
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	maxTokens := defaultMaxTokens

	switch cfg.Backend {
	case "claude":
		modelID := cfg.Model
		if modelID == "" {
			modelID = "claude-sonnet-4-20250514"
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     modelID,
			MaxTokens: maxTokens,
		})
	case "openai":
		modelID := cfg.Model
		if modelID == "" {
			modelID = "gpt-4o"
		}
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:              cfg.APIKey,
			Model:               modelID,
			MaxCompletionTokens: &maxTokens,
		})
	case "ark":
		chatModel, err = ark.NewChatModel(ctx, &ark.ChatModelConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: &maxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown LLM auditor backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s chat model: %w", cfg.Backend, err)
	}

	return &LLMOracle{chatModel: chatModel, backend: cfg.Backend}, nil
}

// Review implements Oracle.
func (o *LLMOracle) Review(ctx context.Context, input types.ReviewInput) (*types.AuditReport, error) {
	raw, err := o.generate(ctx, reviewSystemPrompt, renderReviewInput(input))
	if err != nil {
		return nil, err
	}

	var report types.AuditReport
	if err := decodeOracleJSON(raw, &report); err != nil {
		return nil, fmt.Errorf("decode audit report: %w", err)
	}
	if report.Severity == "" {
		report.Severity = types.SeverityNone
	}
	return &report, nil
}

// Decompose implements Oracle.
func (o *LLMOracle) Decompose(ctx context.Context, input types.DecomposeInput) (*types.CascadeAnalysis, error) {
	raw, err := o.generate(ctx, decomposeSystemPrompt, renderDecomposeInput(input))
	if err != nil {
		return nil, err
	}

	var analysis types.CascadeAnalysis
	if err := decodeOracleJSON(raw, &analysis); err != nil {
		return nil, fmt.Errorf("decode cascade analysis: %w", err)
	}
	return &analysis, nil
}

func (o *LLMOracle) generate(ctx context.Context, system, user string) (string, error) {
	messages := []*schema.Message{
		{Role: schema.System, Content: system},
		{Role: schema.User, Content: user},
	}

	resp, err := o.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("%s auditor call: %w", o.backend, err)
	}

	logging.Debug().
		Str("backend", o.backend).
		Int("responseLen", len(resp.Content)).
		Msg("auditor oracle responded")

	return resp.Content, nil
}

// decodeOracleJSON unmarshals the first JSON object found in raw. Models
// routinely wrap the object in ```json fences or lead with a sentence of
// prose, so decode from the first '{' to its matching close.
func decodeOracleJSON(raw string, v any) error {
	s := strings.TrimSpace(raw)
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return fmt.Errorf("no JSON object in oracle response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return json.Unmarshal([]byte(s[start:i+1]), v)
			}
		}
	}
	return fmt.Errorf("unterminated JSON object in oracle response")
}

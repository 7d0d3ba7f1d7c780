package auditor

import (
	"context"
	"fmt"

	"github.com/meridianctl/agentctl/internal/config"
	"github.com/meridianctl/agentctl/pkg/types"
)

// Oracle is the Auditor oracle contract the engine consumes. Review judges
// one diff against a goal's acceptance criteria; Decompose groups a core
// file change's blast radius into disjoint repair jobs. Implementations
// must be safe for concurrent use.
type Oracle interface {
	Review(ctx context.Context, input types.ReviewInput) (*types.AuditReport, error)
	Decompose(ctx context.Context, input types.DecomposeInput) (*types.CascadeAnalysis, error)
}

// New builds the Oracle selected by cfg.Backend: "claude", "openai", or
// "ark" route through the eino chat-model registry; "mcp" connects to an
// external MCP auditor server (e.g. cmd/auditor-stub in tests).
func New(ctx context.Context, cfg config.AuditorConfig) (Oracle, error) {
	switch cfg.Backend {
	case "claude", "openai", "ark":
		return NewLLMOracle(ctx, cfg)
	case "mcp":
		return NewMCPOracle(ctx, cfg)
	case "":
		return nil, fmt.Errorf("auditor backend not configured")
	default:
		return nil, fmt.Errorf("unknown auditor backend %q", cfg.Backend)
	}
}

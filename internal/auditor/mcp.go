package auditor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/meridianctl/agentctl/internal/config"
	"github.com/meridianctl/agentctl/pkg/types"
)

const mcpConnectTimeout = 10 * time.Second

// MCPOracle talks to an external auditor exposed as an MCP server with two
// tools, "review" and "decompose", each taking the JSON-encoded input and
// returning the JSON-encoded contract object as text content. The
// deterministic stub in pkg/mcpserver/auditorstub is the reference server.
type MCPOracle struct {
	session *sdkmcp.ClientSession
}

// NewMCPOracle connects to the server at cfg.MCPAddr. An http(s) address
// uses SSE transport; anything else is run as a local command over stdio.
func NewMCPOracle(ctx context.Context, cfg config.AuditorConfig) (*MCPOracle, error) {
	if cfg.MCPAddr == "" {
		return nil, fmt.Errorf("mcp auditor backend requires mcpAddr")
	}

	client := sdkmcp.NewClient(&sdkmcp.Implementation{
		Name:    "agentctl",
		Version: "1.0.0",
	}, nil)

	var transport sdkmcp.Transport
	if strings.HasPrefix(cfg.MCPAddr, "http://") || strings.HasPrefix(cfg.MCPAddr, "https://") {
		transport = &sdkmcp.SSEClientTransport{
			Endpoint:   cfg.MCPAddr,
			HTTPClient: &http.Client{Timeout: mcpConnectTimeout},
		}
	} else {
		parts := strings.Fields(cfg.MCPAddr)
		transport = &sdkmcp.CommandTransport{Command: exec.Command(parts[0], parts[1:]...)}
	}

	connectCtx, cancel := context.WithTimeout(ctx, mcpConnectTimeout)
	defer cancel()

	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp auditor %q: %w", cfg.MCPAddr, err)
	}

	return &MCPOracle{session: session}, nil
}

// Review implements Oracle.
func (o *MCPOracle) Review(ctx context.Context, input types.ReviewInput) (*types.AuditReport, error) {
	var report types.AuditReport
	if err := o.callTool(ctx, "review", input, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Decompose implements Oracle.
func (o *MCPOracle) Decompose(ctx context.Context, input types.DecomposeInput) (*types.CascadeAnalysis, error) {
	var analysis types.CascadeAnalysis
	if err := o.callTool(ctx, "decompose", input, &analysis); err != nil {
		return nil, err
	}
	return &analysis, nil
}

// Close terminates the MCP session.
func (o *MCPOracle) Close() error {
	return o.session.Close()
}

func (o *MCPOracle) callTool(ctx context.Context, name string, input, output any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal %s input: %w", name, err)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("marshal %s input: %w", name, err)
	}

	result, err := o.session.CallTool(ctx, &sdkmcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return fmt.Errorf("mcp %s call: %w", name, err)
	}

	var text strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*sdkmcp.TextContent); ok {
			text.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return fmt.Errorf("mcp %s tool error: %s", name, text.String())
	}

	if err := decodeOracleJSON(text.String(), output); err != nil {
		return fmt.Errorf("decode mcp %s result: %w", name, err)
	}
	return nil
}

// Command auditor-stub runs the deterministic Auditor oracle MCP server
// over stdio. Point the control plane at it with auditor.backend "mcp" to
// validate the engine without an LLM.
package main

import (
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/meridianctl/agentctl/pkg/mcpserver/auditorstub"
)

func main() {
	s := auditorstub.NewServer()
	if err := server.ServeStdio(s); err != nil {
		log.Fatal(err)
	}
}

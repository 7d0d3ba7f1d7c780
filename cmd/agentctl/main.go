// Command agentctl is the operator CLI for the agent dispatch control
// plane.
package main

import "github.com/meridianctl/agentctl/cmd/agentctl/commands"

func main() {
	commands.Execute()
}

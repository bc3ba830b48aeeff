// Command agentxd is an SNMP master agent for AgentX subagents.
package main

import "github.com/geekxflood/agentxd/cmd"

func main() {
	cmd.Execute()
}

package main

import (
	"uisassist-backend/cmd/uis-cli/commands"
)

func main() {
	commands.ExecuteContext(commands.SignalContext())
}

package main

import (
	"github.com/shizukutanaka/Kodama/cmd/kodama/commands"
)

// Minimal entrypoint that delegates to the Cobra CLI defined in
// cmd/kodama/commands.
func main() {
	commands.Execute()
}

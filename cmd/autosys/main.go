package main

import (
	"github.com/shizukutanaka/autosys/cmd/autosys/commands"
)

func main() {
	commands.Execute()
}

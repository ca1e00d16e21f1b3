package main

import "github.com/openassembly/backend/cmd/backend/commands"

func main() {
	commands.Execute()
}

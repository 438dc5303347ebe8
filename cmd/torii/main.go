package main

import (
	"github.com/torii-auth/torii/cmd/torii/commands"
)

func main() {
	commands.Execute()
}

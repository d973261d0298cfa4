package main

import (
	"os"

	"github.com/dittolab/snapstore/cmd/snapstored/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}

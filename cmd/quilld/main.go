package main

import (
	"os"

	"github.com/quillnotes/quill/cmd/quilld/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/quillnotes/quill/cmd/quill-authd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

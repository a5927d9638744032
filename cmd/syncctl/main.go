package main

import (
	"os"

	"github.com/matheus3301/chatsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}

package main

import (
	"os"

	"github.com/nhle/e3mail/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

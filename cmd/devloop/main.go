// devloop runs a Node.js application and restarts it when project files change.
package main

import (
	"os"

	"github.com/hupe1980/devloop/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

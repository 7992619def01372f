// Command aiqa is the AIQA ingestion CLI.
package main

import (
	"os"

	"github.com/aiqa/server/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

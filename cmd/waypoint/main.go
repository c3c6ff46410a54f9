package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/roach88/waypoint/internal/cli"
)

func main() {
	// Missing .env is fine; environment variables win either way.
	_ = godotenv.Load(".env")

	root := cli.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}

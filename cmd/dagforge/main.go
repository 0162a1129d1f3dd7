package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dagforge/dagforge/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "dagforge",
	Short: "DAG workflow orchestration engine",
}

func main() {
	// Load .env if present; flags and env vars still win.
	_ = godotenv.Load()

	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

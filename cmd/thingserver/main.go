package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "thingserver",
		Short: "Web of Things action server",
		Long:  "Serve Things over HTTP, running their actions in the background and tracking each invocation",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(actionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

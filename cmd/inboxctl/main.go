package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "inboxctl",
	Short: "Business inbox CLI",
	Long: "Command-line interface for the business messaging inbox.\n" +
		"List conversations, read history, send messages, follow the realtime channel and serve the inbox API.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

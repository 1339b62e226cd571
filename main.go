// Command voice-gateway serves spoken conversations over WebSocket: audio in,
// speech-to-text, chat completion, text-to-speech, audio out.
//
// Usage:
//
//	voice-gateway serve         run the gateway
//	voice-gateway config        print the effective configuration
//	voice-gateway tail          stream published turn events
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var envName string

var rootCmd = &cobra.Command{
	Use:           "voice-gateway",
	Short:         "Real-time voice conversation gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultEnv := os.Getenv("ENVIRONMENT")
	if defaultEnv == "" {
		defaultEnv = "dev"
	}
	rootCmd.PersistentFlags().StringVarP(&envName, "env", "e", defaultEnv,
		"environment name; selects config.<env>.yaml from ./configs or .")

	rootCmd.AddCommand(serveCmd, configCmd, tailCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

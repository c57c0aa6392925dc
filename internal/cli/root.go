// Package cli implements the agent-chat commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/agent-chat/internal/config"
	"github.com/rcliao/agent-chat/internal/logging"
)

var (
	homeDir    string
	formatFlag string
	debugFlag  bool
	logger     = zap.NewNop()
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "agent-chat",
	Short: "Multi-turn chat with OpenAI and Gemini",
	Long: "A terminal chat client for OpenAI and Gemini. Attach files, keep persistent memory, " +
		"save sessions, and run both models side by side in dual mode.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(debugFlag)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "Data directory (default: $AGENT_CHAT_HOME or ~/.agent-chat)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "text", "Output format: json or text")
	RootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Log debug output to stderr")
}

func getPaths() config.Paths {
	if homeDir != "" {
		return config.Paths{Home: homeDir}
	}
	return config.Paths{Home: config.HomeFromEnv()}
}

func jsonOutput() bool { return formatFlag == "json" }

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rcliao/agent-chat/internal/contextstore"
)

func init() {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Long: "Start an interactive chat. Lines starting with / are commands (/help lists them); " +
			"anything else is sent to the active engine, or to both in dual mode.",
		Run: runChat,
	}

	cmd.Flags().StringP("session", "s", "", "Load a saved session by name")
	cmd.Flags().StringP("persona", "p", "", "Persona name")
	cmd.Flags().StringP("mode", "m", "", "Mode: gpt, gem, or dual")
	cmd.Flags().StringSliceP("attach", "a", nil, "Files, directories, or archives to attach")

	RootCmd.AddCommand(cmd)
}

func stderrWarn(w contextstore.TokenWarning) {
	fmt.Fprintf(os.Stderr, "warning: %s\n", w)
}

func runChat(cmd *cobra.Command, args []string) {
	sessionName, _ := cmd.Flags().GetString("session")
	persona, _ := cmd.Flags().GetString("persona")
	mode, _ := cmd.Flags().GetString("mode")
	attach, _ := cmd.Flags().GetStringSlice("attach")

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	eng, err := a.startEngine(sessionName, persona, mode, stderrWarn)
	if err != nil {
		exitErr("start session", err)
	}
	for _, p := range attach {
		if _, err := eng.Attach(p, nil, stderrWarn); err != nil {
			exitErr("attach", err)
		}
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	r := newREPL(a, eng, os.Stdin, os.Stdout, interactive)
	if interactive {
		s := eng.Session()
		fmt.Printf("agent-chat %s, %d attachment(s). /help lists commands.\n", s.Mode, s.Context.Len())
	}
	if err := r.run(cmd.Context()); err != nil {
		exitErr("chat", err)
	}
}

package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rcliao/agent-chat/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one prompt and print the reply",
		Long:  "Send one prompt and print the reply. The prompt can be a positional arg or piped via stdin.",
		Run:   runAsk,
	}

	cmd.Flags().StringP("session", "s", "", "Continue a saved session and save it afterwards")
	cmd.Flags().StringP("persona", "p", "", "Persona name")
	cmd.Flags().StringP("mode", "m", "", "Mode: gpt, gem, or dual")
	cmd.Flags().StringSliceP("attach", "a", nil, "Files, directories, or archives to attach")

	RootCmd.AddCommand(cmd)
}

// readInput returns args joined, or stdin when it is not a terminal.
func readInput(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return "", nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type askResult struct {
	Engine   model.Engine `json:"engine"`
	Text     string       `json:"text,omitempty"`
	Error    string       `json:"error,omitempty"`
	Attempts int          `json:"attempts"`
	Usage    model.Usage  `json:"usage"`
}

func runAsk(cmd *cobra.Command, args []string) {
	sessionName, _ := cmd.Flags().GetString("session")
	persona, _ := cmd.Flags().GetString("persona")
	mode, _ := cmd.Flags().GetString("mode")
	attach, _ := cmd.Flags().GetStringSlice("attach")

	prompt, err := readInput(args)
	if err != nil {
		exitErr("read stdin", err)
	}
	if strings.TrimSpace(prompt) == "" {
		exitErr("ask", fmt.Errorf("prompt is required (positional arg or stdin)"))
	}

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

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var sink func(model.Engine, string)
	p := newTurnPrinter(os.Stdout, eng.Session().Mode.IsDual())
	if !jsonOutput() {
		sink = p.sink
	}
	report, err := eng.Send(ctx, prompt, sink)
	if err != nil {
		exitErr("ask", err)
	}

	if jsonOutput() {
		var out []askResult
		for _, res := range report.Results {
			r := askResult{Engine: res.Engine, Text: res.Text, Attempts: res.Attempts, Usage: res.Usage}
			if res.Err != nil {
				r.Error = res.Err.Error()
			}
			out = append(out, r)
		}
		printJSON(out)
	} else {
		p.finish(report)
	}

	if sessionName != "" {
		if err := eng.Save(a.paths.SessionFile(sessionName), sessionName); err != nil {
			exitErr("save session", err)
		}
	}
	if err := report.Err(); err != nil {
		os.Exit(1)
	}
}

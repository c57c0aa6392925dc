package cli

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func init() {
	memoryCmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and edit persistent memory",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the memory text",
		Run:   runMemoryShow,
	}

	remember := &cobra.Command{
		Use:   "remember [text]",
		Short: "Append a note to memory",
		Long:  "Append a note to memory. Text can be a positional arg or piped via stdin.",
		Run:   runMemoryRemember,
	}
	remember.Flags().String("source", "cli", "Source recorded on the memory block")

	forget := &cobra.Command{
		Use:   "forget <topic>",
		Short: "Remove a topic from memory with the help of a model",
		Args:  cobra.MinimumNArgs(1),
		Run:   runMemoryForget,
	}
	forget.Flags().BoolP("yes", "y", false, "Apply without asking")

	history := &cobra.Command{
		Use:   "history",
		Short: "List journaled memory versions",
		Run:   runMemoryHistory,
	}
	history.Flags().IntP("limit", "l", 20, "Max versions")

	restore := &cobra.Command{
		Use:   "restore <version>",
		Short: "Restore a journaled memory version",
		Args:  cobra.ExactArgs(1),
		Run:   runMemoryRestore,
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show memory and journal statistics",
		Run:   runMemoryStats,
	}

	memoryCmd.AddCommand(show, remember, forget, history, restore, stats)
	RootCmd.AddCommand(memoryCmd)
}

func mustOpenApp(cmd *cobra.Command) *app {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	return a
}

func runMemoryShow(cmd *cobra.Command, args []string) {
	a := mustOpenApp(cmd)
	defer a.Close()

	text, err := a.memory.Store().Read()
	if err != nil {
		exitErr("read memory", err)
	}
	if jsonOutput() {
		blocks, err := a.memory.Store().Blocks()
		if err != nil {
			exitErr("parse memory", err)
		}
		printJSON(blocks)
		return
	}
	fmt.Print(text)
}

func runMemoryRemember(cmd *cobra.Command, args []string) {
	source, _ := cmd.Flags().GetString("source")
	text, err := readInput(args)
	if err != nil {
		exitErr("read stdin", err)
	}
	if strings.TrimSpace(text) == "" {
		exitErr("remember", fmt.Errorf("text is required (positional arg or stdin)"))
	}

	a := mustOpenApp(cmd)
	defer a.Close()

	b, err := a.memory.Inject(strings.TrimSpace(text), source)
	if err != nil {
		exitErr("remember", err)
	}
	printJSON(b)
}

func runMemoryForget(cmd *cobra.Command, args []string) {
	yes, _ := cmd.Flags().GetBool("yes")
	topic := strings.Join(args, " ")

	a := mustOpenApp(cmd)
	defer a.Close()

	eng, err := a.startEngine("", "", "", stderrWarn)
	if err != nil {
		exitErr("start session", err)
	}
	p, err := eng.ProposeForget(cmd.Context(), topic)
	if err != nil {
		exitErr("forget", err)
	}

	printf := func(format string, vals ...any) { fmt.Printf(format, vals...) }
	confirm := func(string) bool { return true }
	if !yes {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			printf("proposed memory:\n%s\n", p.Replacement)
			exitErr("forget", fmt.Errorf("not applied; rerun with --yes to apply without a terminal"))
		}
		in := bufio.NewScanner(os.Stdin)
		confirm = func(question string) bool {
			printf("%s [y/N] ", question)
			if !in.Scan() {
				return false
			}
			answer := strings.ToLower(strings.TrimSpace(in.Text()))
			return answer == "y" || answer == "yes"
		}
	}
	v, err := applyProposal(cmd.Context(), eng, p, printf, confirm)
	if err != nil {
		exitErr("forget", err)
	}
	if v != nil {
		printf("previous memory saved as version %d\n", v.Version)
	}
}

func runMemoryHistory(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	a := mustOpenApp(cmd)
	defer a.Close()
	if a.journal == nil {
		exitErr("history", fmt.Errorf("memory journal unavailable"))
	}

	versions, err := a.journal.History(cmd.Context(), limit)
	if err != nil {
		exitErr("history", err)
	}
	if jsonOutput() {
		printJSON(versions)
		return
	}
	for _, v := range versions {
		fmt.Printf("v%-4d %-14s %8s  %s\n", v.Version, humanize.Time(v.CreatedAt),
			humanize.Bytes(uint64(v.SizeBytes)), v.Reason)
	}
}

func runMemoryRestore(cmd *cobra.Command, args []string) {
	version, err := strconv.Atoi(strings.TrimPrefix(args[0], "v"))
	if err != nil {
		exitErr("restore", fmt.Errorf("invalid version %q", args[0]))
	}

	a := mustOpenApp(cmd)
	defer a.Close()

	backup, err := a.memory.Store().Restore(cmd.Context(), version)
	if err != nil {
		exitErr("restore", err)
	}
	fmt.Printf("restored version %d; previous memory saved as version %d\n", version, backup.Version)
}

func runMemoryStats(cmd *cobra.Command, args []string) {
	a := mustOpenApp(cmd)
	defer a.Close()

	stats, err := a.memory.Store().Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}
	if jsonOutput() {
		printJSON(stats)
		return
	}
	fmt.Printf("memory:  %s (%s, %d blocks)\n", stats.MemoryPath, humanize.Bytes(uint64(stats.MemoryBytes)), stats.Blocks)
	if stats.JournalPath == "" {
		fmt.Println("journal: unavailable")
		return
	}
	fmt.Printf("journal: %s (%s, %d versions)\n", stats.JournalPath, humanize.Bytes(uint64(stats.JournalBytes)), stats.Versions)
	if stats.Versions > 0 {
		fmt.Printf("latest:  v%d, %s\n", stats.LatestVersion, humanize.Time(stats.LatestBackupAt))
	}
}

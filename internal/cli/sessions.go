package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rcliao/agent-chat/internal/session"
)

func init() {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage saved sessions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved sessions, most recent first",
		Run:   runSessionsList,
	}
	list.Flags().IntP("limit", "l", 0, "Max results (0 for all)")
	list.Flags().Bool("names-only", false, "Only output session names")

	sessionsCmd.AddCommand(list)
	RootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	namesOnly, _ := cmd.Flags().GetBool("names-only")

	infos, err := session.List(getPaths().Sessions())
	if err != nil {
		exitErr("list sessions", err)
	}
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}

	switch {
	case namesOnly:
		for _, info := range infos {
			fmt.Println(info.Name)
		}
	case jsonOutput():
		printJSON(infos)
	default:
		writeSessionTable(os.Stdout, infos)
	}
}

func writeSessionTable(w io.Writer, infos []session.Info) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "no saved sessions")
		return
	}
	for _, info := range infos {
		fmt.Fprintf(w, "%-24s %-14s %4d turns %3d files %8s  %s\n",
			info.Name, info.Mode, info.Turns, info.Attachments,
			humanize.Bytes(uint64(info.SizeBytes)), humanize.Time(info.UpdatedAt))
	}
}

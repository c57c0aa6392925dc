package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-chat/internal/config"
)

func init() {
	personasCmd := &cobra.Command{
		Use:   "personas",
		Short: "Manage personas",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List personas in the personas directory",
		Run:   runPersonasList,
	}

	personasCmd.AddCommand(list)
	RootCmd.AddCommand(personasCmd)
}

func runPersonasList(cmd *cobra.Command, args []string) {
	personas, err := config.ListPersonas(getPaths().Personas())
	if err != nil {
		exitErr("list personas", err)
	}
	if jsonOutput() {
		printJSON(personas)
		return
	}
	if len(personas) == 0 {
		fmt.Printf("no personas in %s\n", getPaths().Personas())
		return
	}
	for _, p := range personas {
		engine := string(p.Engine)
		if engine == "" {
			engine = "-"
		}
		fmt.Printf("%-20s %-8s %-20s %s\n", p.File, engine, p.Name, p.Description)
	}
}

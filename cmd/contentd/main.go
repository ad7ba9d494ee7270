// contentd is the content engine daemon plus a few operator commands that
// talk straight to its Postgres database.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/groblegark/contentd/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:          "contentd <command>",
	Short:        "Event-sourced content engine",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(repairCmd)
}

// newLogger returns a text handler on a terminal and JSON otherwise, so the
// daemon logs structured lines under a supervisor but stays readable in a
// shell.
func newLogger() *slog.Logger {
	if ui.IsTerminal(os.Stderr) {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Command ctenginectl is the CLI front end for the backup engine: it
// resolves configuration, opens the transport, and runs one of
// archive, extract, list, delete, cull, or secrets sync (archive,
// extract, delete and cull through the scheduler).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cyphertite/ctengine/internal/ctlog"
)

var (
	flagConfig  string
	flagVerbose bool
	flagServer  string
)

var rootCmd = &cobra.Command{
	Use:   "ctenginectl",
	Short: "Content-addressed encrypted backup engine client",
	Long: `
ctenginectl drives backup and restore workflows against a ctengine
server: archiving local file trees into ctfiles, extracting them back,
listing and deleting remote backups, and culling unreferenced content
chunks.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ctlog.SetVerbose(flagVerbose)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "path to cyphertite.conf (default: discovery order)")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&flagServer, "server", "", "host:port of the ctengine server (overrides config)")

	rootCmd.AddCommand(archiveCmd, extractCmd, listCmd, deleteCmd, cullCmd, secretsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		ctlog.Logger.Fatal(err)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ctenginectl: "+format+"\n", args...)
	os.Exit(1)
}

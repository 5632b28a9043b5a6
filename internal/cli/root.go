package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/teamrelay/teamrelay/internal/cli.version=1.2.3"
	version = "0.9.0"
	logo    = "\n" +
		"  _____                   ___     _\n" +
		" |_   _|__ __ _ _ __ ___ | _ \\___| |__ _ _  _\n" +
		"   | |/ -_) _` | '  \\___||   / -_) / _` | || |\n" +
		"   |_|\\___\\__,_|_|_|_|   |_|_\\___|_\\__,_|\\_, |\n" +
		"                                         |__/\n"
)

var rootCmd = &cobra.Command{
	Use:   "teamrelay",
	Short: "TeamRelay - Session & Approval Routing Engine",
	Long:  color.CyanString(logo) + "\nBridges messaging accounts to a response backend with team approvals.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
}

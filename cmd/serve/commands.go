package serve

import "github.com/spf13/cobra"

// Actions defines daemon operations.
type Actions interface {
	Serve(cmd *cobra.Command, args []string) error
	Version(cmd *cobra.Command, args []string) error
}

// Commands builds the daemon command set.
func Commands(h Actions) []*cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control-plane daemon",
		RunE:  h.Serve,
	}
	serveCmd.Flags().Bool("no-autostart", false, "skip auto-starting instances marked as started")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build information",
		RunE:  h.Version,
	}

	return []*cobra.Command{serveCmd, versionCmd}
}

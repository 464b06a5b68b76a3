package vm

import "github.com/spf13/cobra"

// Actions defines instance lifecycle operations against a running daemon.
type Actions interface {
	Create(cmd *cobra.Command, args []string) error
	Start(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error
	Resize(cmd *cobra.Command, args []string) error
	Upgrade(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
	Images(cmd *cobra.Command, args []string) error
	Meta(cmd *cobra.Command, args []string) error
	PubKey(cmd *cobra.Command, args []string) error
}

// Command builds the "vm" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	vmCmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage confidential VM instances",
	}

	createCmd := &cobra.Command{
		Use:   "create [flags] IMAGE",
		Short: "Create and launch an instance from an image",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Create,
	}
	createCmd.Flags().String("name", "", "instance display name")
	createCmd.Flags().Uint32("vcpu", 1, "vCPU count")
	createCmd.Flags().String("memory", "1G", "memory size")
	createCmd.Flags().String("disk", "20G", "disk size")
	createCmd.Flags().StringArray("port", nil, "port mapping PROTOCOL:HOST:GUEST (repeatable)")
	createCmd.Flags().String("compose", "", "app compose file path (required)")
	createCmd.Flags().String("env", "", "encrypted environment blob path")
	createCmd.Flags().String("app-id", "", "explicit application ID override")
	_ = createCmd.MarkFlagRequired("compose")

	startCmd := &cobra.Command{
		Use:   "start ID [ID...]",
		Short: "Start stopped instance(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Start,
	}

	stopCmd := &cobra.Command{
		Use:   "stop ID [ID...]",
		Short: "Stop running instance(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Stop,
	}

	rmCmd := &cobra.Command{
		Use:   "rm ID [ID...]",
		Short: "Remove instance(s) and release their resources",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.RM,
	}

	resizeCmd := &cobra.Command{
		Use:   "resize [flags] ID",
		Short: "Change resources of a stopped instance",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Resize,
	}
	resizeCmd.Flags().Uint32("vcpu", 0, "new vCPU count")
	resizeCmd.Flags().String("memory", "", "new memory size")
	resizeCmd.Flags().String("disk", "", "new disk size (declared only)")

	upgradeCmd := &cobra.Command{
		Use:   "upgrade [flags] ID",
		Short: "Replace the app compose and/or encrypted env of an instance",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Upgrade,
	}
	upgradeCmd.Flags().String("compose", "", "new app compose file path")
	upgradeCmd.Flags().String("env", "", "new encrypted environment blob path")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List instances with status",
		RunE:    h.List,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect ID",
		Short: "Show detailed instance info (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Inspect,
	}

	imagesCmd := &cobra.Command{
		Use:   "images",
		Short: "List available guest images",
		RunE:  h.Images,
	}

	metaCmd := &cobra.Command{
		Use:   "meta",
		Short: "Show host metadata and resource ceilings",
		RunE:  h.Meta,
	}

	pubkeyCmd := &cobra.Command{
		Use:   "pubkey APP_ID",
		Short: "Fetch the env-encryption public key for an application",
		Args:  cobra.ExactArgs(1),
		RunE:  h.PubKey,
	}

	vmCmd.AddCommand(
		createCmd,
		startCmd,
		stopCmd,
		rmCmd,
		resizeCmd,
		upgradeCmd,
		listCmd,
		inspectCmd,
		imagesCmd,
		metaCmd,
		pubkeyCmd,
	)
	return vmCmd
}

package serve

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/capsule/cmd/core"
	"github.com/projecteru2/capsule/cvm"
	"github.com/projecteru2/capsule/server"
	"github.com/projecteru2/capsule/version"
	"github.com/projecteru2/capsule/vmm/qemu"
)

type Handler struct {
	cmdcore.BaseHandler
}

// Serve builds the lifecycle manager (rebuilding resource pools from disk),
// auto-starts instances marked as started, and runs the RPC server until
// interrupted.
func (h Handler) Serve(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}

	backend := qemu.New(conf)
	mgr, err := cvm.New(ctx, conf, backend)
	if err != nil {
		return fmt.Errorf("init lifecycle manager: %w", err)
	}

	if skip, _ := cmd.Flags().GetBool("no-autostart"); !skip {
		if err := mgr.AutoStart(ctx); err != nil {
			log.WithFunc("cmd.serve").Warnf(ctx, "auto-start: %v", err)
		}
	}

	return server.New(conf, mgr).Serve(ctx)
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}

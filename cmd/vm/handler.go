// Package vm implements the operator-facing instance commands. Every action
// goes through the daemon RPC; nothing here touches the run directory.
package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/projecteru2/capsule/client"
	cmdcore "github.com/projecteru2/capsule/cmd/core"
	"github.com/projecteru2/capsule/server"
	"github.com/projecteru2/capsule/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Create(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	name, _ := flags.GetString("name")
	vcpu, _ := flags.GetUint32("vcpu")
	memFlag, _ := flags.GetString("memory")
	diskFlag, _ := flags.GetString("disk")
	portFlags, _ := flags.GetStringArray("port")
	composePath, _ := flags.GetString("compose")
	envPath, _ := flags.GetString("env")
	appID, _ := flags.GetString("app-id")

	memoryMB, err := parseSizeMB(memFlag)
	if err != nil {
		return fmt.Errorf("invalid --memory: %w", err)
	}
	diskGB, err := parseSizeGB(diskFlag)
	if err != nil {
		return fmt.Errorf("invalid --disk: %w", err)
	}
	ports, err := parsePortSpecs(portFlags)
	if err != nil {
		return err
	}
	compose, err := os.ReadFile(composePath)
	if err != nil {
		return fmt.Errorf("read compose file: %w", err)
	}
	var env []byte
	if envPath != "" {
		if env, err = os.ReadFile(envPath); err != nil {
			return fmt.Errorf("read env file: %w", err)
		}
	}

	id, err := cmdcore.NewClient(cmd, conf).CreateVM(ctx, &server.CreateVMRequest{
		Name:         name,
		Image:        args[0],
		Vcpu:         vcpu,
		MemoryMB:     memoryMB,
		DiskSizeGB:   diskGB,
		Ports:        ports,
		ComposeFile:  string(compose),
		EncryptedEnv: env,
		AppID:        appID,
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func (h Handler) Start(cmd *cobra.Command, args []string) error {
	return h.each(cmd, args, "started", func(ctx context.Context, cli *client.Client, id string) error {
		return cli.StartVM(ctx, id)
	})
}

func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	return h.each(cmd, args, "stopped", func(ctx context.Context, cli *client.Client, id string) error {
		return cli.StopVM(ctx, id)
	})
}

func (h Handler) RM(cmd *cobra.Command, args []string) error {
	return h.each(cmd, args, "removed", func(ctx context.Context, cli *client.Client, id string) error {
		return cli.RemoveVM(ctx, id)
	})
}

func (h Handler) Resize(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	req := &server.ResizeVMRequest{ID: args[0]}
	if flags.Changed("vcpu") {
		v, _ := flags.GetUint32("vcpu")
		req.Vcpu = &v
	}
	if flags.Changed("memory") {
		memFlag, _ := flags.GetString("memory")
		mb, err := parseSizeMB(memFlag)
		if err != nil {
			return fmt.Errorf("invalid --memory: %w", err)
		}
		req.MemoryMB = &mb
	}
	if flags.Changed("disk") {
		diskFlag, _ := flags.GetString("disk")
		gb, err := parseSizeGB(diskFlag)
		if err != nil {
			return fmt.Errorf("invalid --disk: %w", err)
		}
		req.DiskSizeGB = &gb
	}
	if req.Vcpu == nil && req.MemoryMB == nil && req.DiskSizeGB == nil {
		return fmt.Errorf("nothing to resize, pass --vcpu, --memory or --disk")
	}
	return cmdcore.NewClient(cmd, conf).ResizeVM(ctx, req)
}

func (h Handler) Upgrade(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	composePath, _ := flags.GetString("compose")
	envPath, _ := flags.GetString("env")
	if composePath == "" && envPath == "" {
		return fmt.Errorf("nothing to upgrade, pass --compose and/or --env")
	}
	req := &server.UpgradeAppRequest{ID: args[0]}
	if composePath != "" {
		compose, err := os.ReadFile(composePath)
		if err != nil {
			return fmt.Errorf("read compose file: %w", err)
		}
		req.ComposeFile = string(compose)
	}
	if envPath != "" {
		if req.EncryptedEnv, err = os.ReadFile(envPath); err != nil {
			return fmt.Errorf("read env file: %w", err)
		}
	}
	newAppID, err := cmdcore.NewClient(cmd, conf).UpgradeApp(ctx, req)
	if err != nil {
		return err
	}
	if newAppID != "" {
		fmt.Println(newAppID)
	}
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	status, err := cmdcore.NewClient(cmd, conf).Status(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tIMAGE\tSTATUS\tVCPU\tMEMORY\tDISK\tPORTS\tCREATED")
	for _, info := range status.VMs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			info.ID,
			info.Name,
			info.Image,
			info.Status,
			info.Vcpu,
			units.BytesSize(float64(info.MemoryMB)*units.MiB),
			units.BytesSize(float64(info.DiskSizeGB)*units.GiB),
			formatPorts(info.PortMap),
			formatCreated(info.CreatedAtMs),
		)
	}
	return w.Flush()
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	info, err := cmdcore.NewClient(cmd, conf).GetInfo(ctx, args[0])
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("instance %s not found", args[0])
	}
	return printJSON(info)
}

func (h Handler) Images(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	images, err := cmdcore.NewClient(cmd, conf).ListImages(ctx)
	if err != nil {
		return err
	}
	for _, img := range images {
		fmt.Println(img.Name)
	}
	return nil
}

func (h Handler) Meta(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	meta, err := cmdcore.NewClient(cmd, conf).GetMeta(ctx)
	if err != nil {
		return err
	}
	return printJSON(meta)
}

func (h Handler) PubKey(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	pubkey, err := cmdcore.NewClient(cmd, conf).GetAppEnvEncryptPubKey(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(pubkey)
	return nil
}

// each runs one lifecycle op over multiple IDs, continuing past failures and
// returning the first error.
func (h Handler) each(cmd *cobra.Command, ids []string, verb string, op func(ctx context.Context, cli *client.Client, id string) error) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	cli := cmdcore.NewClient(cmd, conf)
	var firstErr error
	for _, id := range ids {
		if err := op(ctx, cli, id); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fmt.Printf("%s %s\n", id, verb)
	}
	return firstErr
}

// parsePortSpecs parses PROTOCOL:HOST:GUEST entries, e.g. "tcp:8080:80".
func parsePortSpecs(specs []string) ([]server.PortSpec, error) {
	out := make([]server.PortSpec, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid port spec %q, want PROTOCOL:HOST:GUEST", spec)
		}
		host, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil || host == 0 {
			return nil, fmt.Errorf("invalid host port in %q", spec)
		}
		guest, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil || guest == 0 {
			return nil, fmt.Errorf("invalid guest port in %q", spec)
		}
		out = append(out, server.PortSpec{
			Protocol: parts[0],
			HostPort: uint32(host),
			VMPort:   uint32(guest),
		})
	}
	return out, nil
}

func parseSizeMB(s string) (uint32, error) {
	b, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if b <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return uint32(b / units.MiB), nil
}

func parseSizeGB(s string) (uint32, error) {
	b, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if b <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return uint32(b / units.GiB), nil
}

func formatPorts(ports []types.PortMapping) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, fmt.Sprintf("%s:%d->%d", p.Protocol, p.HostPort, p.GuestPort))
	}
	return strings.Join(parts, ",")
}

func formatCreated(ms uint64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(int64(ms)).UTC().Format(time.RFC3339)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package core

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/projecteru2/capsule/client"
	"github.com/projecteru2/capsule/config"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// NewClient builds a daemon client from the --server/--token flags, falling
// back to the configured listen endpoint.
func NewClient(cmd *cobra.Command, conf *config.Config) *client.Client {
	base, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", conf.Address, conf.Port)
	}
	return client.New(base, token)
}

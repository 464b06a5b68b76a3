package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/projecteru2/capsule/cmd/core"
	cmdserve "github.com/projecteru2/capsule/cmd/serve"
	cmdvm "github.com/projecteru2/capsule/cmd/vm"
	"github.com/projecteru2/capsule/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capsule",
		Short: "Capsule - confidential VM control plane",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(commandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("image-path", "", "image catalog directory")
	cmd.PersistentFlags().String("run-path", "", "instance work directory root")
	cmd.PersistentFlags().String("server", "", "daemon base URL for client commands")
	cmd.PersistentFlags().String("token", "", "API token for client commands")

	_ = viper.BindPFlag("image_path", cmd.PersistentFlags().Lookup("image-path"))
	_ = viper.BindPFlag("run_path", cmd.PersistentFlags().Lookup("run-path"))

	viper.SetEnvPrefix("CAPSULE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	base := cmdcore.BaseHandler{ConfProvider: func() *config.Config { return conf }}

	for _, c := range cmdserve.Commands(cmdserve.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}
	cmd.AddCommand(cmdvm.Command(cmdvm.Handler{BaseHandler: base}))

	return cmd
}()

// initConfig resolves the layered configuration: compiled-in defaults →
// system config file → --config file → CAPSULE_* environment overrides.
func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	viper.SetConfigFile(config.SystemConfigFile)
	viper.SetConfigType("json")
	_ = viper.ReadInConfig() // optional; missing system file is OK

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.MergeInConfig(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}
	if conf.StopTimeoutSeconds <= 0 {
		conf.StopTimeoutSeconds = 30 //nolint:mnd
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	return log.SetupLog(ctx, &conf.Log, "")
}

func newCommandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

// Package cli builds the relayd command tree.
package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"go.relayd.io/proxy/config"
	"go.relayd.io/proxy/utils"
)

var rootExamples = `
  Serve on the default port:
	relayd serve

  Serve on a custom port with debug logging:
	relayd serve -p 3128 -l 3

  Route lookups through explicit DNS servers:
	relayd serve --dns-servers 1.1.1.1,8.8.8.8
`

// Root builds the root command and registers the subcommands.
func Root(ctx context.Context, logger *zap.Logger, conf *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "relayd",
		Short:   color.New(color.FgCyan).Sprint("relayd") + " - event-driven HTTP/HTTPS forward proxy",
		Example: rootExamples,
		Version: utils.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return preRun(logger, conf, cmd)
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(`{{with .Version}}{{printf "relayd %s" .}}{{end}}{{"\n"}}`)

	setFlags(logger, rootCmd, conf)

	rootCmd.AddCommand(Serve(ctx, logger, conf))
	return rootCmd
}

func setFlags(logger *zap.Logger, cmd *cobra.Command, conf *config.Config) {
	cmd.PersistentFlags().Uint32P("port", "p", conf.Port, "Port the proxy listens on")
	cmd.PersistentFlags().IntP("log-level", "l", conf.LogLevel, "Log verbosity (0=error 1=warn 2=info 3=debug)")
	cmd.PersistentFlags().Uint32("admin-port", conf.AdminPort, "Port of the admin/stats HTTP server")
	cmd.PersistentFlags().StringSlice("dns-servers", conf.DNS.Servers, "Explicit upstream DNS servers (host[:port])")
	cmd.PersistentFlags().Bool("debug", conf.Debug, "Set the debug field of the configuration (log verbosity is set by --log-level)")
	cmd.PersistentFlags().String("config-path", conf.ConfigPath, "Directory containing relayd.yaml")

	cmd.PersistentFlags().Int("ingress-workers", conf.Pools.Ingress, "Ingress worker pool size")
	cmd.PersistentFlags().Int("splice-workers", conf.Pools.Splice, "Splice worker pool size")
	cmd.PersistentFlags().Int("dns-workers", conf.Pools.DNS, "DNS worker pool size")
	for _, advanced := range []string{"ingress-workers", "splice-workers", "dns-workers"} {
		if err := cmd.PersistentFlags().MarkHidden(advanced); err != nil {
			utils.LogError(logger, err, "failed to mark hidden flag", zap.String("flag", advanced))
		}
	}
}

func preRun(logger *zap.Logger, conf *config.Config, cmd *cobra.Command) error {
	if err := utils.BindFlagsToViper(logger, cmd, ""); err != nil {
		return err
	}
	if path, _ := cmd.Flags().GetString("config-path"); path != "" {
		viper.SetConfigName("relayd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(path)
		if err := viper.ReadInConfig(); err != nil {
			utils.LogError(logger, err, "failed to read the config file", zap.String("path", path))
			return err
		}
	}

	if err := viper.Unmarshal(conf); err != nil {
		utils.LogError(logger, err, "failed to unmarshal the config")
		return err
	}

	if port, err := cmd.Flags().GetUint32("port"); err == nil {
		conf.Port = port
	}
	if level, err := cmd.Flags().GetInt("log-level"); err == nil {
		conf.LogLevel = level
	}
	if adminPort, err := cmd.Flags().GetUint32("admin-port"); err == nil {
		conf.AdminPort = adminPort
	}
	if servers, err := cmd.Flags().GetStringSlice("dns-servers"); err == nil && len(servers) > 0 {
		conf.DNS.Servers = servers
	}
	if n, err := cmd.Flags().GetInt("ingress-workers"); err == nil && n > 0 {
		conf.Pools.Ingress = n
	}
	if n, err := cmd.Flags().GetInt("splice-workers"); err == nil && n > 0 {
		conf.Pools.Splice = n
	}
	if n, err := cmd.Flags().GetInt("dns-workers"); err == nil && n > 0 {
		conf.Pools.DNS = n
	}

	if conf.Port == 0 || conf.Port > 65535 {
		return fmt.Errorf("invalid listen port %d", conf.Port)
	}
	logger.Debug("initialized with configuration", zap.Any("conf", conf))
	return nil
}

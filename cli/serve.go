//go:build linux

package cli

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go.relayd.io/proxy/config"
	"go.relayd.io/proxy/pkg/admin"
	"go.relayd.io/proxy/pkg/core"
	"go.relayd.io/proxy/utils"
	"go.relayd.io/proxy/utils/log"
)

// Serve builds the serve command: it assembles the pipeline and runs it
// until the process is signalled.
func Serve(ctx context.Context, logger *zap.Logger, conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the forward proxy",
		RunE: func(_ *cobra.Command, _ []string) error {
			// rebuild the logger at the requested verbosity
			lvl := log.LevelFromVerbosity(conf.LogLevel)
			scoped, err := log.ChangeLogLevel(lvl)
			if err != nil {
				utils.LogError(logger, err, "failed to change the log level")
				return err
			}
			logger = scoped

			c, err := core.New(logger, conf)
			if err != nil {
				utils.LogError(logger, err, "failed to assemble the proxy core")
				return err
			}
			adminSrv := admin.New(logger, conf.AdminPort, c.Stats)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer utils.Recover(logger)
				return c.Start(ctx)
			})
			g.Go(func() error {
				defer utils.Recover(logger)
				return adminSrv.Start(ctx)
			})
			return g.Wait()
		},
	}
}

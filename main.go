// Package main is the entry point for the relayd proxy.
package main

import (
	"context"
	"fmt"
	"os"

	"go.relayd.io/proxy/cli"
	"go.relayd.io/proxy/config"
	"go.relayd.io/proxy/utils"
	"go.relayd.io/proxy/utils/log"
)

// version and dsn are injected during build by ldflags.
var version string
var dsn string

func main() {
	setVersion()
	ctx := utils.NewCtx()
	if err := start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "relayd startup failed:", err)
		os.Exit(1)
	}
	os.Exit(utils.ErrCode)
}

func setVersion() {
	if version == "" {
		version = "dev"
	}
	utils.Version = version
}

func start(ctx context.Context) error {
	logger, err := log.New()
	if err != nil {
		fmt.Println("Failed to start the logger for the CLI", err)
		return err
	}
	defer utils.Recover(logger)

	if dsn != "" {
		utils.SentryInit(logger, dsn)
		defer utils.SentryFlush()
	}

	conf := config.New()
	conf.Version = version

	rootCmd := cli.Root(ctx, logger, conf)
	if err := rootCmd.Execute(); err != nil {
		utils.ErrCode = 1
		return err
	}
	return nil
}

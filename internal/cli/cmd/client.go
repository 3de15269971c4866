package cmd

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/grid"
	"github.com/mataphp/jargon/internal/logging"
)

// loadConfig layers the command line over the config file and environment.
func loadConfig(c *cli.Context) (config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig(c.String(ConfigFlag.Name))
	if err != nil {
		return cfg, err
	}
	if c.IsSet(EndpointFlag.Name) {
		cfg.Endpoint = c.String(EndpointFlag.Name)
	}
	if c.IsSet(UserFlag.Name) {
		cfg.User = c.String(UserFlag.Name)
	}
	if c.IsSet(ZoneFlag.Name) {
		cfg.Zone = c.String(ZoneFlag.Name)
	}
	if c.IsSet(PasswordFlag.Name) {
		cfg.Password = c.String(PasswordFlag.Name)
	}
	if c.IsSet(LogLevelFlag.Name) {
		cfg.LogLevel = c.String(LogLevelFlag.Name)
	}
	if c.IsSet("threads") {
		cfg.Pipeline.MaxParallelThreads = c.Int("threads")
	}
	if c.IsSet("transport") {
		cfg.Pipeline.DataTransport = c.String("transport")
	}
	if c.IsSet("checksum") {
		cfg.Pipeline.ChecksumPolicy = config.ChecksumPolicy(c.String("checksum"))
	}
	cfg.Pipeline = cfg.Pipeline.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.User == "" {
		return cfg, errors.E("cmd.loadConfig", errors.Invalid, errors.Str("user is required (--user or JARGON_USER)"))
	}
	return cfg, nil
}

// clientAction connects before running fn and closes the client after.
func clientAction(fn func(ctx context.Context, c *cli.Context, gc *grid.Client) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		logger := logging.NewWithWriter(c.App.ErrWriter, "jargon", cfg.LogLevel)
		ctx := c.Context
		if ctx == nil {
			ctx = context.Background()
		}
		gc, err := grid.Connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer gc.Close()
		return fn(ctx, c, gc)
	}
}

func usageError(c *cli.Context, usage string) error {
	return errors.E(errors.Invalid, errors.Errorf("usage: %s %s", c.App.Name, usage))
}

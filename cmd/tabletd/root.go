package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aalhour/tabletkv/internal/config"
	"github.com/aalhour/tabletkv/internal/logging"
	"github.com/aalhour/tabletkv/internal/tablet"
	"github.com/aalhour/tabletkv/internal/vfs"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	rootDir    string
	logLevel   string
}

// env is what a command needs once flags are parsed.
type env struct {
	cfg    *config.Store
	logger *logging.DefaultLogger
	fs     vfs.FS
	root   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "tabletd",
		Short: "tabletd - versioned tablet storage with background compaction",
		Long: `tabletd stores each tablet as a timeline of immutable versioned rowsets and
merges them in the background with a size-tiered compaction policy.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := cmd.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "YAML or TOML config file")
	f.StringVar(&opts.rootDir, "root", "", "tablet root directory (overrides storage.root_dir)")
	f.StringVar(&opts.logLevel, "log-level", "", "log level: error, warn, info or debug (overrides logger.level)")

	cmd.AddCommand(
		newServeCmd(opts),
		newCreateCmd(opts),
		newIngestCmd(opts),
		newVersionsCmd(opts),
		newScanCmd(opts),
		newCompactCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() (*env, error) {
	fs := vfs.Default()
	var (
		cfg *config.Store
		err error
	)
	if o.configPath != "" {
		if cfg, err = config.LoadFile(fs, o.configPath); err != nil {
			return nil, err
		}
	} else {
		cfg = config.NewStore(config.Default())
	}
	if o.rootDir != "" || o.logLevel != "" {
		err := cfg.Update(func(c *config.Config) {
			if o.rootDir != "" {
				c.Storage.RootDir = o.rootDir
			}
			if o.logLevel != "" {
				c.Logger.Level = o.logLevel
			}
		})
		if err != nil {
			return nil, err
		}
	}
	c := cfg.Load()
	logger, err := c.Logger.NewLogger()
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, fs: fs, root: c.Storage.RootDir}, nil
}

func (e *env) tabletOptions(id int64) tablet.Options {
	return tablet.Options{
		ID:     id,
		Dir:    tablet.Dir(e.root, id),
		FS:     e.fs,
		Config: e.cfg,
		Logger: e.logger,
	}
}

func (e *env) open(id int64) (*tablet.Tablet, error) {
	return tablet.Open(e.tabletOptions(id))
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid tablet id %q", s)
	}
	return id, nil
}

// Command puppetviewer hosts the puppet engine in a desktop window.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/normanking/cortexpuppet/internal/assets"
	"github.com/normanking/cortexpuppet/internal/config"
	"github.com/normanking/cortexpuppet/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var cfgPath string

	load := func(cmd *cobra.Command) (*config.Config, error) {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return nil, err
		}
		return config.Load(v, cfgPath)
	}

	root := &cobra.Command{
		Use:     "puppetviewer",
		Short:   "Render an animated puppet driven by tracking and speech",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			return runViewer(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.cortexpuppet/config.yaml)")

	flags := root.Flags()
	flags.Int("surface.width", 0, "window width")
	flags.Int("surface.height", 0, "window height")
	flags.Bool("surface.transparent", false, "transparent background")
	flags.String("assets.manifest", "", "model manifest (YAML)")
	flags.String("assets.default", "", "model id loaded at startup")
	flags.String("motion.mode", "", "tracking mode: face, upper-body, full-body")
	flags.String("tracking.url", "", "tracker WebSocket URL")
	flags.Bool("metrics.enabled", false, "serve Prometheus metrics")

	root.AddCommand(newModelsCmd(v, &cfgPath), newConfigCmd(&cfgPath))
	return root
}

func newModelsCmd(v *viper.Viper, cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the catalog offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *cfgPath)
			if err != nil {
				return err
			}
			catalog, manifest, err := buildCatalog(cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			if manifest != nil {
				defer manifest.Close()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), fetchTimeout(cfg))
			defer cancel()
			models, err := catalog.List(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tORIGIN\tSOURCE")
			for _, m := range models {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Origin, m.Source)
			}
			return w.Flush()
		},
	}
}

func newConfigCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *cfgPath
			if path == "" {
				dir, err := config.GetConfigDir()
				if err != nil {
					return err
				}
				path = filepath.Join(dir, "config.yaml")
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	})
	return cmd
}

// buildCatalog lists models from the scan endpoint when configured, falling
// back to the manifest.
func buildCatalog(cfg *config.Config, logger zerolog.Logger) (*assets.Catalog, *assets.Manifest, error) {
	catalog := &assets.Catalog{Logger: logger}

	var manifest *assets.Manifest
	if cfg.Assets.Manifest != "" {
		m, err := assets.LoadManifest(cfg.Assets.Manifest, logger)
		if err != nil {
			return nil, nil, err
		}
		manifest = m
		catalog.Secondary = m
	}
	if cfg.Assets.ScanURL != "" {
		client := &http.Client{Timeout: fetchTimeout(cfg)}
		catalog.Primary = assets.NewScanner(cfg.Assets.ScanURL, client, logger)
	}
	return catalog, manifest, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := cfg.Logging
	return logging.New(&logCfg)
}

func fetchTimeout(cfg *config.Config) time.Duration {
	if cfg.Assets.FetchTimeout > 0 {
		return cfg.Assets.FetchTimeout
	}
	return 30 * time.Second
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/apilink-crawler/internal/app"
	"github.com/JakeFAU/apilink-crawler/internal/config"
)

// Crawler is the surface the crawl command drives. It lets tests inject a fake.
type Crawler interface {
	Run(ctx context.Context) (app.Result, error)
	Close() error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Crawler, error) {
	return app.New(ctx, cfg, logger)
}

type rootOptions struct {
	cfgFile  string
	logLevel string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "apilink-crawler",
		Short: "Crawls a site and records every link and API endpoint it finds.",
		Long: `apilink-crawler walks a website breadth-first from a seed URL, records every
hyperlink it discovers, and fetches candidate API endpoints referenced from
page scripts, data attributes and forms. Records are written as a JSON array
and optionally mirrored to Postgres, Pub/Sub and Cloud Storage.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(newCrawlCmd(opts))
	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the crawl, which
// stops dispatching new pages and finalizes the output.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "apilink-crawler: %v\n", err)
		stop()
		os.Exit(1)
	}
}

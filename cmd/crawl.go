package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/apilink-crawler/internal/config"
	"github.com/JakeFAU/apilink-crawler/internal/logging"
)

// flagKeys maps crawl flags onto config keys. Only flags set on the command
// line override file and environment values.
var flagKeys = map[string]string{
	"seed":           "crawler.seed_url",
	"max-depth":      "crawler.max_depth",
	"concurrency":    "crawler.max_concurrency",
	"respect-robots": "crawler.respect_robots",
	"output":         "output.path",
	"format":         "output.format",
	"metrics-addr":   "metrics.addr",
}

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a site from its seed URL",
		Long: `Crawls the configured seed URL until the frontier is exhausted, the memory
limit is reached or the process is interrupted. The output file is a valid
JSON array in every case.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, root)
		},
	}

	f := cmd.Flags()
	f.String("seed", "", "seed URL (overrides crawler.seed_url)")
	f.Int("max-depth", 0, "maximum link depth, 0 for unlimited")
	f.Int("concurrency", 0, "number of pages processed concurrently")
	f.Bool("respect-robots", true, "honor robots.txt")
	f.StringP("output", "o", "", "output file path")
	f.String("format", "", "output format: json or jsonl")
	f.String("metrics-addr", "", "address for the health, status and metrics server")
	return cmd
}

func runCrawl(cmd *cobra.Command, root *rootOptions) error {
	overrides, err := flagOverrides(cmd)
	if err != nil {
		return err
	}
	if root.logLevel != "" {
		overrides["logging.level"] = root.logLevel
	}

	cfg, err := config.Load(root.cfgFile, overrides)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		// Sync fails on stderr/stdout for some terminals; nothing useful to do.
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx := cmd.Context()
	crawl, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize crawl services: %w", err)
	}
	defer func() {
		if cerr := crawl.Close(); cerr != nil {
			logger.Warn("failed to close crawl services", zap.Error(cerr))
		}
	}()

	res, err := crawl.Run(ctx)
	if err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d links, %d apis, %d failures (%s) -> %s\n",
		res.RunID, res.Stats.Links, res.Stats.APIs, res.Stats.Failures, res.Summary.Reason, cfg.Output.Path)
	return nil
}

func flagOverrides(cmd *cobra.Command) (map[string]any, error) {
	overrides := make(map[string]any)
	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		var (
			value any
			err   error
		)
		switch flag.Value.Type() {
		case "int":
			value, err = cmd.Flags().GetInt(name)
		case "bool":
			value, err = cmd.Flags().GetBool(name)
		default:
			value = flag.Value.String()
		}
		if err != nil {
			return nil, fmt.Errorf("flag --%s: %w", name, err)
		}
		overrides[key] = value
	}
	return overrides, nil
}

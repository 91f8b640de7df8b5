package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest/internal/app"
)

type crawlFlags struct {
	maxPages   string
	workers    int
	noResume   bool
	noPrefetch bool
	output     string
}

// newCrawlCmd builds the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the catalog until it is exhausted or a stop condition holds",
		Long: `Fetches catalog pages in cursor order, writing each title to the output
file. SIGINT or SIGTERM stops the crawl cleanly: buffered records are flushed
and a final checkpoint is written before the process exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.maxPages, "max-pages", "", `page limit, or "all"`)
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "transform workers (0 keeps the configured value)")
	cmd.Flags().BoolVar(&flags.noResume, "no-resume", false, "ignore any saved checkpoint")
	cmd.Flags().BoolVar(&flags.noPrefetch, "no-prefetch", false, "disable overlapping the next request with local work")
	cmd.Flags().StringVar(&flags.output, "output", "", "output file name inside sink.output_dir")
	return cmd
}

func runCrawl(cmd *cobra.Command, flags crawlFlags) error {
	rt, err := resolveSession(cmd.Context())
	if err != nil {
		return err
	}
	cfg := rt.cfg
	if flags.maxPages != "" {
		cfg.Pipeline.MaxPages = flags.maxPages
	}
	if flags.workers > 0 {
		cfg.Pipeline.Workers = flags.workers
	}
	if flags.noResume {
		cfg.Pipeline.Resume = false
	}
	if flags.noPrefetch {
		cfg.Pipeline.Prefetch = false
	}
	if flags.output != "" {
		cfg.Sink.FileName = flags.output
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			rt.logger.Warn("shutdown error", zap.Error(cerr))
		}
	}()

	res, err := a.Run(ctx)
	if err != nil {
		return fmt.Errorf("crawl stopped (%s): %w", res.Reason, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pages, %d records written to %s\n",
		res.Reason, res.PagesProcessed, res.RecordsWritten, a.OutputPath())
	return nil
}

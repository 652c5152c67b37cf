package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/sitesync/pkg/config"
	"github.com/cuemby/sitesync/pkg/events"
	"github.com/cuemby/sitesync/pkg/log"
	"github.com/cuemby/sitesync/pkg/metrics"
	"github.com/cuemby/sitesync/pkg/orchestrator"
	"github.com/cuemby/sitesync/pkg/plugin"
	"github.com/cuemby/sitesync/pkg/storage"
	"github.com/spf13/cobra"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Run (or resume) a crawl for a source profile",
	RunE:  runCrawl,
}

func init() {
	crawlCmd.Flags().String("source", "", "Path to the source profile YAML file")
	crawlCmd.Flags().String("crawler-config", "", "Path to the crawler config YAML file (defaults applied if omitted)")
	crawlCmd.Flags().String("metrics-addr", "", "Address to serve Prometheus metrics on (disabled if empty)")
	_ = crawlCmd.MarkFlagRequired("source")
}

func runCrawl(cmd *cobra.Command, args []string) error {
	sourcePath, _ := cmd.Flags().GetString("source")
	crawlerPath, _ := cmd.Flags().GetString("crawler-config")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	profile, err := config.LoadSourceProfile(sourcePath)
	if err != nil {
		return fmt.Errorf("load source profile: %w", err)
	}

	crawler := config.DefaultCrawler()
	if crawlerPath != "" {
		loaded, err := config.LoadCrawler(crawlerPath)
		if err != nil {
			return fmt.Errorf("load crawler config: %w", err)
		}
		crawler = *loaded
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	if metricsAddr, _ := cmd.Flags().GetString("metrics-addr"); metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Errorf(fmt.Sprintf("metrics server on %s stopped", metricsAddr), err)
			}
		}()
		log.Info(fmt.Sprintf("metrics endpoint serving on %s", metricsAddr))
	}

	orc := orchestrator.New(store, broker, orchestrator.Config{
		Profile:       profile,
		Crawler:       crawler,
		Fetcher:       newDefaultFetcher(crawler),
		DefaultPlugin: plugin.NewPassthroughPlugin(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("stop signal received, draining in-flight tasks")
		cancel()
	}()

	summary, err := orc.Start(ctx)
	if err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}

	fmt.Printf("run %s (%s): finished=%d failed=%d pending=%d missing_assets=%d\n",
		summary.Run.ID, summary.Run.Status, summary.Finished, summary.Failed, summary.Pending, summary.MissingAssets)
	for _, exc := range summary.Exceptions {
		fmt.Printf("  exception[%s] %s: %s\n", exc.Kind, exc.URL, exc.Message)
	}
	for _, rule := range summary.SuggestedDenies {
		fmt.Printf("  suggested deny rule: %s%s\n", rule.Host, rule.PathGlob)
	}

	return nil
}

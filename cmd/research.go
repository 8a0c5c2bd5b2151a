package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/prospector/config"
	"github.com/mohammad-safakhou/prospector/internal/fetch"
	"github.com/mohammad-safakhou/prospector/internal/helpers"
	"github.com/mohammad-safakhou/prospector/internal/llm"
	"github.com/mohammad-safakhou/prospector/internal/ontology"
	"github.com/mohammad-safakhou/prospector/internal/pdfindex"
	"github.com/mohammad-safakhou/prospector/internal/research"
	"github.com/mohammad-safakhou/prospector/internal/telemetry"
)

// researchCMD runs a single research task from the terminal, without the
// server or database, and prints the result as JSON.
func researchCMD() *cobra.Command {
	var (
		cfgPath     string
		subject     string
		prompt      string
		startURL    string
		entityTypes []string
		linkTypes   []string
		model       string
		timeout     time.Duration
	)

	var cmd = &cobra.Command{
		Use:   "research",
		Short: "Run one research task and print the proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}

			catalog, err := ontology.LoadCatalog(cfg.Research.CatalogPath)
			if err != nil {
				return err
			}
			router, err := llm.NewRouter(cfg.LLM)
			if err != nil {
				return err
			}
			tel := telemetry.NewTelemetry(cfg.Telemetry)

			httpFetcher := fetch.NewHTTPFetcher(cfg.Fetch.Timeout,
				fetch.WithUserAgent(cfg.Fetch.UserAgent),
				fetch.WithMaxChars(cfg.Fetch.MaxChars),
			)
			var pages fetch.Fetcher = httpFetcher
			if cfg.Fetch.UseHeadless {
				bf, err := fetch.NewBrowserFetcher(cfg.Fetch.Timeout, cfg.Fetch.MaxChars, cfg.Fetch.UserAgent)
				if err != nil {
					fmt.Fprintf(os.Stderr, "headless fetcher unavailable, falling back to plain HTTP: %v\n", err)
				} else {
					pages = bf
				}
			}
			fetcher := fetch.Composite{Fetcher: pages, Prober: httpFetcher}
			pdf := pdfindex.NewService(pdfindex.NewLoader(httpFetcher, cfg.PDFIndex), cfg.PDFIndex.TopK)

			orch := research.NewOrchestrator(cfg, router, fetcher, pdf, catalog, tel)

			if timeout <= 0 {
				timeout = cfg.General.MaxRunTime
			}
			if timeout <= 0 {
				timeout = 15 * time.Minute
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			res, runErr := orch.Run(ctx, research.Task{
				Subject:       subject,
				Prompt:        prompt,
				StartURL:      startURL,
				EntityTypeIDs: entityTypes,
				LinkTypeIDs:   linkTypes,
				Model:         model,
			})

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if len(res.Files) > 0 {
				cits := make([]helpers.Citation, 0, len(res.Files))
				for _, f := range res.Files {
					cits = append(cits, helpers.Citation{URL: f.URL, Accessed: f.LoadedAt})
				}
				fmt.Fprintln(os.Stderr, "Sources:")
				for _, line := range helpers.FormatCitations(cits) {
					fmt.Fprintln(os.Stderr, "  "+line)
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "entity to research (required)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "extra instructions for the agent")
	cmd.Flags().StringVar(&startURL, "url", "", "optional page to start from")
	cmd.Flags().StringSliceVar(&entityTypes, "entity", nil, "entity type ids from the catalog (required)")
	cmd.Flags().StringSliceVar(&linkTypes, "link", nil, "link type ids from the catalog")
	cmd.Flags().StringVar(&model, "model", "", "override the coordination model")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "run deadline (default general.max_run_time)")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/prospector.yaml)")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("entity")

	return cmd
}

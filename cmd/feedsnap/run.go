package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/use-agent/feedsnap/capture"
	"github.com/use-agent/feedsnap/config"
	"github.com/use-agent/feedsnap/notify"
	"github.com/use-agent/feedsnap/scraper"
)

func newRunCmd() *cobra.Command {
	var (
		landing   string
		segments  int
		digest    bool
		noArchive bool
		noMail    bool
		report    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture the feed once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts := capture.DefaultOptions(cfg)
			if landing != "" {
				opts.LandingURL = landing
			}
			if segments > 0 {
				opts.Segments = segments
			}
			if cmd.Flags().Changed("digest") {
				opts.Digest = digest
			}
			if noArchive {
				opts.Archive = false
			}
			if noMail {
				opts.Deliver = false
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			browser, err := scraper.Launch(cfg.Browser)
			if err != nil {
				return err
			}
			defer browser.Close()

			runner := capture.NewRunner(cfg, sessionLauncher(browser, cfg), mailer(cfg), nil)
			rep, runErr := runner.Run(ctx, opts)
			runner.Wait()

			if report && rep != nil {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(rep)
			}
			if runErr != nil {
				return runErr
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "captured %d segment(s) into %s (%s)\n", len(rep.Segments), rep.OutputDir, rep.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&landing, "url", "", "Landing URL (default from config)")
	cmd.Flags().IntVarP(&segments, "segments", "n", 0, "Number of segments to capture (default from config)")
	cmd.Flags().BoolVar(&digest, "digest", false, "Write a Markdown digest next to each segment")
	cmd.Flags().BoolVar(&noArchive, "no-archive", false, "Skip the zip archive")
	cmd.Flags().BoolVar(&noMail, "no-mail", false, "Skip mailing the archive")
	cmd.Flags().BoolVar(&report, "report", false, "Print the run report as JSON")
	return cmd
}

// sessionLauncher opens a new capture page on browser for every run.
func sessionLauncher(browser *scraper.Browser, cfg *config.Config) capture.Launcher {
	return func(context.Context) (capture.Session, error) {
		page, err := browser.NewPage(cfg.Layout)
		if err != nil {
			return nil, err
		}
		return page, nil
	}
}

func mailer(cfg *config.Config) capture.Deliverer {
	if !cfg.Mail.Enabled {
		return nil
	}
	return notify.New(cfg.Mail)
}

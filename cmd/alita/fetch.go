package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/alita/internal/models"
)

func newFetchCmd(flags *globalFlags) *cobra.Command {
	var (
		req      models.ProxyRequest
		bodyOnly bool
	)
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Fetch one URL through the proxy pipeline and print the result",
		Example: `  alita fetch https://example.com/article \
    --block '#challenge-form' --wait-for '.post-data'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Diagnostics go to stderr so stdout stays parseable.
			if flags.logLevel == "" {
				flags.logLevel = "warn"
			}
			cfg, err := loadConfig(flags, nil)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a := newApp(cfg, logger)
			defer a.Close()

			req.URL = args[0]
			start := time.Now()
			resp, err := a.service.Handle(ctx, &req)
			if err != nil {
				return err
			}
			logger.Info("fetched", "url", req.URL, "used_browser", resp.UsedBrowser, "elapsed", time.Since(start).Round(time.Millisecond))

			out := cmd.OutOrStdout()
			if bodyOnly {
				_, err := fmt.Fprint(out, resp.Body)
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
	cmd.Flags().StringArrayVar(&req.BrowserOnElements, "block", nil, "CSS selector marking a blocked response (repeatable)")
	cmd.Flags().StringVar(&req.WaitForElement, "wait-for", "", "CSS selector that appears once the challenge is cleared")
	cmd.Flags().Float64Var(&req.WaitTimeout, "wait-timeout", 0, "seconds to wait in the browser (default ALITA_WAIT_TIMEOUT)")
	cmd.Flags().Float64Var(&req.HTTPTimeout, "http-timeout", 0, "seconds for the direct fetch (default ALITA_HTTP_TIMEOUT)")
	cmd.Flags().BoolVar(&bodyOnly, "body", false, "print only the response body")
	return cmd
}

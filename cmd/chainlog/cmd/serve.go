package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/karasz/chainlog"
)

var (
	serveAddr         string
	servePasswordHash string
	monitorInterval   time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the audit HTTP API",
	Long: `Serve the audit log over HTTP.

POST /api/v1/token exchanges the password for a bearer token; the other
/api/v1 routes (events, verify, entries) require it. The chain is
re-verified every --monitor-interval and breaks are logged.

Environment variables:
  CHAINLOG_PASSWORD_HASH  - bcrypt hash from "chainlog hash-password"
  CHAINLOG_TOKEN_SECRET   - HMAC secret for bearer tokens

Example:
  chainlog serve --addr :8080
`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", chainlog.DefaultServerAddr, "Listen address")
	serveCmd.Flags().StringVar(&servePasswordHash, "password-hash", "", "bcrypt hash of the API password")
	serveCmd.Flags().DurationVar(&monitorInterval, "monitor-interval", time.Minute, "Interval between chain checks (0 disables)")
	_ = viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("password-hash", serveCmd.Flags().Lookup("password-hash"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(c *cobra.Command, args []string) error {
	logger, cfg, diag, err := openLogger()
	if err != nil {
		return err
	}
	defer logger.Close()

	srv, err := chainlog.NewServer(logger, cfg.Server, chainlog.WithServerLogger(diag))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if monitorInterval > 0 {
		// Deferred after logger.Close, so it runs first.
		stopMonitor := startMonitor(ctx, logger, monitorInterval, diag)
		defer stopMonitor()
	}

	return srv.ListenAndServe(ctx)
}

// startMonitor runs a Monitor in the background. The returned func cancels
// it and waits until any in-flight check has finished.
func startMonitor(ctx context.Context, v chainlog.ChainVerifier, interval time.Duration, diag log.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	helper := log.NewHelper(diag)
	mon := chainlog.NewMonitor(v, interval, func(res chainlog.VerifyResult) {
		helper.Errorw("msg", "monitor detected tampering", "result", res.String())
	}, diag)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			helper.Errorw("msg", "monitor stopped", "error", err)
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

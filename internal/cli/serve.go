package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gennino/gennino/internal/api"
	"github.com/gennino/gennino/internal/daemon"
	"github.com/gennino/gennino/internal/telegram"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(botCmd)

	serveCmd.Flags().String("host", "", "listen host (overrides [api].host)")
	serveCmd.Flags().Int("port", 0, "listen port (overrides [api].port)")
	serveCmd.Flags().Bool("no-bot", false, "do not start the Telegram bot even when a token is configured")
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (and the Telegram bot when configured)",
	Long: `Start the gennino daemon: the HTTP API on [api].host:[api].port, the
startup warmup that installs the model, and the Telegram bot when
[telegram].token or TELEGRAM_BOT_TOKEN is set.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if h, _ := cmd.Flags().GetString("host"); h != "" {
		cfg.API.Host = h
	}
	if p, _ := cmd.Flags().GetInt("port"); p != 0 {
		cfg.API.Port = p
	}
	noBot, _ := cmd.Flags().GetBool("no-bot")

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	d.Start(ctx)

	errc := make(chan error, 2)
	if cfg.Telegram.Token != "" && !noBot {
		bot, err := newBot(d)
		if err != nil {
			return err
		}
		go func() { errc <- bot.Run(ctx) }()
	}

	srv := newAPIServer(d)
	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[api] listening on http://%s", cfg.Addr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return err
		}
		<-ctx.Done()
	}

	log.Printf("[api] shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(sctx)
}

func newAPIServer(d *daemon.Daemon) *api.Server {
	srv := api.NewServer(d.Service, d.Sessions, d.Factory)
	srv.SetModels(d.Registry)
	srv.SetAttempts(d.Attempts)
	srv.SetEventHub(api.NewEventHub())
	srv.SetExecutor(d.Executor)
	if d.Config.Metrics.Tracing {
		srv.SetTracer(d.Tracer)
	}
	if d.Config.Metrics.Enabled {
		srv.EnableMetrics()
	}
	return srv
}

func newBot(d *daemon.Daemon) (*telegram.Bot, error) {
	tc := d.Config.Telegram
	return telegram.New(tc.Token, tc.Debug, d.Service, d.Sessions, d.Executor, telegram.Config{
		PollTimeout:  tc.PollTimeout,
		AllowedChats: tc.AllowedChats,
	})
}

// ─── bot ────────────────────────────────────────────────────────────────────

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run only the Telegram bot",
	Long:  `Run the Telegram bot without the HTTP API. Needs [telegram].token or TELEGRAM_BOT_TOKEN.`,
	RunE:  runBot,
}

func runBot(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := openDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.Close()
	d.Start(ctx)

	bot, err := newBot(d)
	if err != nil {
		return err
	}
	return bot.Run(ctx)
}

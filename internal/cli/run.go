package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teamrelay/teamrelay/internal/config"
	"github.com/teamrelay/teamrelay/internal/control"
	"github.com/teamrelay/teamrelay/internal/engine"
	"github.com/teamrelay/teamrelay/internal/firehose"
	"github.com/teamrelay/teamrelay/internal/gateway"
	"github.com/teamrelay/teamrelay/internal/journal"
	"github.com/teamrelay/teamrelay/internal/session"
	"github.com/teamrelay/teamrelay/internal/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the relay engine and control surface",
	Run:   runRelay,
}

func runRelay(cmd *cobra.Command, args []string) {
	printHeader("🔁 TeamRelay Engine")
	fmt.Println("Starting TeamRelay...")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var jour *journal.Journal
	if cfg.Journal.Path != "" {
		jour, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			fmt.Printf("Failed to open journal: %v\n", err)
			os.Exit(1)
		}
		defer jour.Close()
	}

	var fh *firehose.Publisher
	if cfg.Firehose.Enabled {
		fh = firehose.New(cfg.Firehose.Brokers, cfg.Firehose.Topic, logger)
		defer fh.Close()
	}

	gw := gateway.NewClient(cfg.Backend.BaseURL, cfg.Backend.AuthToken, cfg.Backend.Timeout, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bring up the enabled accounts.
	type accountSpec struct {
		role engine.Role
		cfg  config.AccountConfig
	}
	specs := []accountSpec{
		{engine.RoleUser, cfg.Accounts.User},
		{engine.RoleAssistant, cfg.Accounts.Assistant},
	}
	clients := map[engine.Role]*transport.WhatsmeowClient{}
	for _, spec := range specs {
		if !spec.cfg.Enabled {
			continue
		}
		client, err := transport.NewWhatsmeow(ctx, spec.cfg.StorePath)
		if err != nil {
			fmt.Printf("Failed to open %s account store: %v\n", spec.role, err)
			os.Exit(1)
		}
		clients[spec.role] = client
	}
	if len(clients) == 0 {
		fmt.Println("No accounts enabled. Enable accounts.user in the config first.")
		os.Exit(1)
	}

	singleAccount := len(clients) == 1
	eng := engine.New(engine.Options{
		Gateway:         gw,
		Journal:         jour,
		Firehose:        fh,
		TeamSubject:     cfg.Team.Subject,
		TeamMembers:     cfg.Team.Participants,
		Policy:          session.Policy{MaxAttempts: cfg.Engine.ReconnectMaxAttempts, RetryDelay: cfg.Engine.ReconnectDelay, StartupDelay: cfg.Engine.StartupRetryDelay},
		DispatchTimeout: cfg.Engine.DispatchTimeout,
		PollCacheSize:   cfg.Engine.PollCacheSize,
		OnDead: func(role engine.Role) {
			fmt.Printf("Session %s gave up. Re-link with 'teamrelay status' and the QR challenge.\n", role)
			if singleAccount {
				stop()
			}
		},
		Log: logger,
	})
	for _, spec := range specs {
		client, ok := clients[spec.role]
		if !ok {
			continue
		}
		if err := eng.AddAccount(spec.role, client); err != nil {
			fmt.Printf("Failed to register %s account: %v\n", spec.role, err)
			os.Exit(1)
		}
	}

	if err := eng.Start(ctx); err != nil {
		fmt.Printf("Engine start failed: %v\n", err)
		os.Exit(1)
	}
	defer eng.Stop()

	srv := control.NewServer(eng, gw, jour, cfg.Control.AuthToken, version, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Control.Host, cfg.Control.Port)
	fmt.Printf("Control surface: http://%s\n", addr)

	if err := srv.ListenAndServe(ctx, addr); err != nil {
		fmt.Printf("Control surface failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Shutting down.")
}

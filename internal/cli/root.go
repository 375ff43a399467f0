// Package cli wires the configuration, adapters and orchestrator into the
// meshroom command.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	router "github.com/varkas/meshroom/internal/adapters/http"
	"github.com/varkas/meshroom/internal/adapters/roomapi"
	"github.com/varkas/meshroom/internal/adapters/rtc"
	signalws "github.com/varkas/meshroom/internal/adapters/signal"
	"github.com/varkas/meshroom/internal/app"
	"github.com/varkas/meshroom/internal/config"
	"github.com/varkas/meshroom/internal/core"
	"github.com/varkas/meshroom/internal/domain"
)

var (
	flagRoom       string
	flagName       string
	flagServer     string
	flagAccessCode string
	flagHostCode   string
	flagDebug      bool
)

var rootCmd = &cobra.Command{
	Use:   "meshroom",
	Short: "Full-mesh conference peer: joins a room and keeps connections to every other participant alive",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagRoom, "room", "", "room id to join")
	rootCmd.Flags().StringVar(&flagName, "name", "", "display name")
	rootCmd.Flags().StringVar(&flagServer, "server", "", "rendezvous server base URL")
	rootCmd.Flags().StringVar(&flagAccessCode, "access-code", "", "participant access code")
	rootCmd.Flags().StringVar(&flagHostCode, "host-code", "", "host code, grants host privileges")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "verbose logging")
}

// Execute runs the root command. Called once from main.
func Execute() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
}

// logNotifier surfaces membership events in the terminal; a richer frontend
// would subscribe here instead.
type logNotifier struct{}

func (logNotifier) PeerUnreachable(p domain.Participant) {
	log.Warn().Str("module", "cli").Str("peer", string(p.ID)).Str("name", p.DisplayName).Msg("peer unreachable, gave up reconnecting")
}

func (logNotifier) JoinRejected(code, message string) {
	log.Error().Str("module", "cli").Str("code", code).Str("reason", message).Msg("join rejected by server")
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if flagDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(cfg)
	if cfg.Room == "" {
		return fmt.Errorf("no room id given, use --room or the config file")
	}

	selfID := domain.PeerID(uuid.NewString())
	roomID := domain.RoomID(cfg.Room)

	isHost := cfg.HostCode != ""
	if cfg.RoomAPIURL != "" {
		info, err := roomapi.NewClient(cfg.RoomAPIURL).Validate(ctx, roomID, cfg.AccessCode, cfg.HostCode)
		if err != nil {
			return fmt.Errorf("validate room %q: %w", cfg.Room, err)
		}
		isHost = info.IsHost
	}

	sig := signalws.NewClient(cfg.ServerURL+"/api/ws/signal", cfg.SendBuffer)
	factory := rtc.NewFactory(rtc.DefaultConfig(cfg.ICEServers), cfg.Mesh.GatherTimeout)

	orch := app.New(sig, core.NopBridge{}, logNotifier{}, factory, app.Options{
		StaggerDelay:         cfg.Mesh.StaggerDelay,
		ReconcileInterval:    cfg.Mesh.ReconcileInterval,
		ConfirmInterval:      cfg.Mesh.ConfirmInterval,
		PendingOfferTTL:      cfg.Mesh.PendingOfferTTL,
		DisconnectRetryDelay: cfg.Mesh.DisconnectRetryDelay,
		BackoffBase:          cfg.Mesh.BackoffBase,
		MaxRetries:           cfg.Mesh.MaxRetries,
	})
	sig.OnReconnect(orch.ResyncAfterReconnect)

	if err := sig.Connect(ctx); err != nil {
		return fmt.Errorf("connect signaling: %w", err)
	}

	err = orch.JoinRoom(app.JoinParams{
		RoomID:         roomID,
		SelfID:         selfID,
		DisplayName:    cfg.Name,
		IsHost:         isHost,
		AccessCode:     cfg.AccessCode,
		RoomAccessCode: cfg.AccessCode,
		RoomHostCode:   cfg.HostCode,
	})
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	go orch.Run(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.DiagPort),
		Handler: router.SetupRouter(cfg, orch),
	}
	go func() {
		log.Info().Str("module", "cli").Str("addr", srv.Addr).Msg("diagnostics listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("module", "cli").Msg("diagnostics server error")
		}
	}()

	log.Info().
		Str("module", "cli").
		Str("room", cfg.Room).
		Str("self", string(selfID)).
		Bool("is_host", isHost).
		Msg("joined, press ctrl-c to leave")

	<-ctx.Done()
	log.Info().Str("module", "cli").Msg("shutting down")

	orch.Leave()
	orch.Close()
	sig.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("module", "cli").Msg("diagnostics forced shutdown")
	}
	return nil
}

func applyFlags(cfg *config.Config) {
	if flagRoom != "" {
		cfg.Room = flagRoom
	}
	if flagName != "" {
		cfg.Name = flagName
	}
	if flagServer != "" {
		cfg.ServerURL = flagServer
	}
	if flagAccessCode != "" {
		cfg.AccessCode = flagAccessCode
	}
	if flagHostCode != "" {
		cfg.HostCode = flagHostCode
	}
}

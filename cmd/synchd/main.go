// Command synchd is the entrypoint for the Joystream YouTube-sync engine.
// It:
//   - Loads the layered YAML+env configuration and initializes structured logging.
//   - Connects to Postgres and the quota store, and runs idempotent migrations.
//   - Builds the metadata-poll / download / on-chain / upload supervisor tree.
//   - Exposes /healthz and /metrics for operator-side monitoring only; the
//     HTTP admin surface itself is an external collaborator, per spec.md §1.
//
// Shutdown is graceful on SIGINT/SIGTERM, draining delivery stages before
// intake stages per the configured shutdown grace.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chainmirror/synch/internal/actions"
	"github.com/chainmirror/synch/internal/chain"
	"github.com/chainmirror/synch/internal/config"
	"github.com/chainmirror/synch/internal/crypto"
	"github.com/chainmirror/synch/internal/downloader"
	"github.com/chainmirror/synch/internal/indexer"
	"github.com/chainmirror/synch/internal/onchain"
	"github.com/chainmirror/synch/internal/orchestrator"
	"github.com/chainmirror/synch/internal/platform"
	"github.com/chainmirror/synch/internal/poller"
	"github.com/chainmirror/synch/internal/quota"
	"github.com/chainmirror/synch/internal/queue"
	"github.com/chainmirror/synch/internal/registry"
	"github.com/chainmirror/synch/internal/storagenode"
	"github.com/chainmirror/synch/internal/store"
	"github.com/chainmirror/synch/internal/telemetry"
	"github.com/chainmirror/synch/internal/uploader"
)

func main() {
	// Local dev convenience only; production relies on real env (teacher's
	// main.go does the same best-effort load).
	_ = godotenv.Load(".env")

	log := newLogger()

	cfg, err := config.Load(config.ResolvePath(nil))
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateHTTPAdmin(); err != nil {
		log.Error("config validation failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	st, err := store.Open(cfg.DBDsn)
	if err != nil {
		log.Error("failed to open state store", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("failed to close state store", slog.Any("err", err))
		}
	}()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = st.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		log.Error("failed to migrate state store", slog.Any("err", err))
		os.Exit(1)
	}

	accountant, err := quota.Open(cfg.Directories.QuotaDir)
	if err != nil {
		log.Error("failed to open quota store", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := accountant.Close(); err != nil {
			log.Error("failed to close quota store", slog.Any("err", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewWSClient(ctx, cfg.Endpoints.ChainRPC, log)
	if err != nil {
		log.Error("failed to dial chain RPC", slog.Any("err", err))
		os.Exit(1)
	}

	indexerClient := indexer.NewDefaultClient(cfg.Endpoints.IndexerURL, indexerWSURL(cfg.Endpoints.IndexerURL), log)
	defer func() {
		if err := indexerClient.Close(); err != nil {
			log.Error("failed to close indexer subscription", slog.Any("err", err))
		}
	}()
	if states, err := indexerClient.SubscribeProcessorState(ctx); err != nil {
		log.Warn("indexer processor-state subscription unavailable", slog.Any("err", err))
	} else {
		go logProcessorState(ctx, states, log)
	}

	storageClient := storagenode.NewHTTPClient(http.DefaultClient)

	var tokenEnc crypto.Encryptor
	if cfg.Env.TokenEncryptionKey != "" {
		tokenEnc, err = crypto.NewAESEncryptor(cfg.Env.TokenEncryptionKey)
		if err != nil {
			log.Error("failed to initialize token encryptor", slog.Any("err", err))
			os.Exit(1)
		}
	}
	obs := &tokenObserver{store: st, enc: tokenEnc, log: log}
	platformClient := platform.New(cfg.YouTube, obs)

	reg := registry.New(st, cfg.Intervals.PollInterval())
	actionProcessor := actions.NewProcessor([]byte(cfg.Env.OperatorOwnerKey), st)
	_ = actionProcessor // wired for the (out-of-scope) admin surface to call into; see DESIGN.md.

	mediaSource := downloader.NewExecMediaSource("yt-dlp", func(v store.Video) string {
		return "https://www.youtube.com/watch?v=" + v.VideoID
	})

	stages := orchestrator.Stages{
		Registry:   reg,
		Poller:     poller.New(platformClient, accountant, st, st, log),
		Downloader: downloader.New(mediaSource, st, st, cfg.Directories.AssetDir, cfg.Limits.MaxConcurrentDownloads, cfg.Limits.Storage, log),
		OnChain:    onchain.New(chainClient, st, st, log),
		Uploader:   uploader.New(indexerClient, storageClient, st, st, st, log),
	}

	bus := queue.New(64)
	defer func() {
		if err := bus.Close(); err != nil {
			log.Error("failed to close event bus", slog.Any("err", err))
		}
	}()

	orch := orchestrator.New(cfg, stages, bus, log)
	orchErrCh := orch.ServeBackground(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	httpAddr := os.Getenv("HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	httpSrv := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("monitoring http server exited with error", slog.Any("err", err))
		}
	}()

	log.Info("synchd started", slog.String("http_addr", httpAddr))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-orchErrCh:
		log.Error("supervisor tree exited unexpectedly", slog.Any("err", err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Intervals.ShutdownGrace())
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("monitoring http server shutdown error", slog.Any("err", err))
	}
	cancelShutdown()

	if err := orch.Shutdown(); err != nil {
		log.Error("supervisor tree shutdown error", slog.Any("err", err))
	}

	log.Info("synchd stopped")
}

// indexerWSURL derives the indexer's push-subscription endpoint from its
// GraphQL URL, since the two share a host in every deployment this engine
// targets.
func indexerWSURL(gqlURL string) string {
	switch {
	case strings.HasPrefix(gqlURL, "https://"):
		return "wss://" + strings.TrimPrefix(gqlURL, "https://")
	case strings.HasPrefix(gqlURL, "http://"):
		return "ws://" + strings.TrimPrefix(gqlURL, "http://")
	default:
		return gqlURL
	}
}

// logProcessorState surfaces indexer lag (spec.md §7's OutdatedState family)
// as a debug log line. It is an operator-visible heartbeat only: no pipeline
// stage consumes the processor-state feed.
func logProcessorState(ctx context.Context, states <-chan indexer.ProcessorState, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			lag := state.ChainHead - state.LastProcessedBlock
			if lag > 0 {
				log.Debug("indexer behind chain head", slog.Int64("lag", lag))
			}
		}
	}
}

func newLogger() *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

// tokenObserver persists a refreshed OAuth token back to the state store,
// encrypting it at rest when a token encryption key is configured —
// wiring internal/crypto into the one place a refreshed token is written.
type tokenObserver struct {
	store channelGetPutter
	enc   crypto.Encryptor
	log   *slog.Logger
}

// channelGetPutter is the subset of store.Store (same shape as
// actions.ChannelStore) tokenObserver depends on, so tests can substitute a
// fake instead of a database.
type channelGetPutter interface {
	GetChannel(ctx context.Context, userID, channelID string) (store.Channel, bool, error)
	PutChannel(ctx context.Context, c store.Channel) error
}

func (o *tokenObserver) OnTokenRefreshed(ctx context.Context, userID, channelID, accessToken, refreshToken string, expiry time.Time) error {
	ch, found, err := o.store.GetChannel(ctx, userID, channelID)
	if err != nil {
		return err
	}
	if !found {
		ch = store.Channel{UserID: userID, ChannelID: channelID}
	}

	access, refresh := accessToken, refreshToken
	if o.enc != nil {
		if access, err = crypto.EncryptString(o.enc, accessToken); err != nil {
			return err
		}
		if refresh, err = crypto.EncryptString(o.enc, refreshToken); err != nil {
			return err
		}
	}
	ch.AccessToken = access
	ch.RefreshToken = refresh
	ch.UpdatedAt = time.Now().UTC()

	if err := o.store.PutChannel(ctx, ch); err != nil {
		return err
	}
	o.log.Debug("oauth token refreshed", slog.String("channelId", channelID))
	return nil
}

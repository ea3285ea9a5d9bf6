package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orisa/server/internal/chat"
	"github.com/orisa/server/internal/config"
	"github.com/orisa/server/internal/persist"
	"github.com/orisa/server/internal/scripting"
	"github.com/orisa/server/internal/world"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfgPath := "config/server.toml"
	if p := os.Getenv("ORISA_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting", zap.String("server", cfg.Server.Name))

	// 3. Load behavior scripts
	engine, err := scripting.NewEngine(cfg.World.ScriptsDir, log)
	if err != nil {
		return fmt.Errorf("script engine: %w", err)
	}

	// 4. Build the world and open it for traffic: restore from the save
	// image when one exists, otherwise bootstrap an empty world with the
	// default entrance. An unparsable image also bootstraps fresh; the next
	// save rotates the bad file into the backup slot rather than losing it.
	ref := world.New(engine, world.Options{ScriptBudget: cfg.World.ScriptBudget}, log)
	store := persist.NewStore(cfg.Persist, log)

	img, err := store.Load()
	switch {
	case err == nil:
		log.Info("restoring world from save image",
			zap.Int("objects", len(img.WorldState.Objects)))
		ref.Write(func(w *world.World) { w.UnfreezeRead(img) })
	case errors.Is(err, persist.ErrNoImage):
		log.Info("no save image, bootstrapping fresh world")
		ref.Write(func(w *world.World) {
			w.UnfreezeEmpty()
			w.CreateDefaults()
		})
	default:
		log.Warn("save image unreadable, bootstrapping fresh world", zap.Error(err))
		ref.Write(func(w *world.World) {
			w.UnfreezeEmpty()
			w.CreateDefaults()
		})
	}

	// 5. Optional snapshot archive
	var archive *persist.SnapshotArchive
	if cfg.Database.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, err := persist.NewDB(ctx, cfg.Database, log)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()

		if err := persist.RunMigrations(ctx, db.Pool); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		archive = persist.NewSnapshotArchive(db, log)
		log.Info("snapshot archive enabled")
	}

	// 6. Accounts and chat server
	accounts, err := chat.LoadAccounts(cfg.Network.AccountsFile, log)
	if err != nil {
		return fmt.Errorf("accounts: %w", err)
	}
	if accounts == nil {
		log.Warn("no accounts file, authentication disabled")
	}

	chatServer, err := chat.NewServer(cfg.Network, ref, accounts, log)
	if err != nil {
		return fmt.Errorf("chat server: %w", err)
	}
	go chatServer.AcceptLoop()
	log.Info("listening", zap.Stringer("addr", chatServer.Addr()))

	// 7. Run until signalled, then freeze and save. Shutdown order matters:
	// close the transport first so no new sends race the frozen gate, then
	// drain the actors, then write the image.
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-shutdownCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	chatServer.Shutdown()

	img, err = world.Freeze(ref, cfg.World.FreezeTimeout)
	if err != nil {
		return fmt.Errorf("freeze world: %w", err)
	}
	if err := store.Write(img); err != nil {
		return fmt.Errorf("save world: %w", err)
	}

	if archive != nil {
		archiveImage(archive, img, log)
	}

	log.Info("server stopped")
	return nil
}

// archiveImage mirrors the saved image into the database archive. Failures
// are logged, not fatal: the file image already landed.
func archiveImage(archive *persist.SnapshotArchive, img *world.SaveImage, log *zap.Logger) {
	data, err := json.Marshal(img)
	if err != nil {
		log.Error("encode image for archive", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := archive.Insert(ctx, time.Now().UTC(), data); err != nil {
		log.Error("archive snapshot", zap.Error(err))
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}

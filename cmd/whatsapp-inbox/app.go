package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/ai"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/autoreply"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/bridge"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/config"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/credentials"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/health"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/ingest"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/media"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/pubsub"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/registry"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/store"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/whatsapp"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/worker"
)

const (
	shutdownTimeout = 15 * time.Second
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg *config.Config
	log *slog.Logger

	store     *store.SQLiteStore
	creds     *credentials.DirStore
	publisher pubsub.Publisher
	lanes     *worker.Lanes
	monitor   *health.Monitor
	registry  *registry.Registry
	pipeline  *ingest.Pipeline
	engine    *autoreply.Engine
	bridge    *bridge.Bridge
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	// Ensure data directory exists (needed when using default ~/.whatsapp-inbox/ path)
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	storeDB, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	creds, err := credentials.NewDirStore(cfg.SessionDir)
	if err != nil {
		storeDB.Close()
		return nil, fmt.Errorf("failed to initialize session directory: %w", err)
	}

	var publisher pubsub.Publisher = pubsub.Nop{}
	if cfg.AMQPURL != "" {
		publisher, err = pubsub.New(ctx, pubsub.ConnectionOptions{
			URL:           cfg.AMQPURL,
			RetryAttempts: 5,
			Delay:         time.Second,
			Logger:        log,
		}, cfg.AMQPExchange)
		if err != nil {
			storeDB.Close()
			return nil, fmt.Errorf("failed to connect to broker: %w", err)
		}
	}

	a := &app{
		cfg:       cfg,
		log:       log,
		store:     storeDB,
		creds:     creds,
		publisher: publisher,
		lanes:     worker.NewLanes(cfg.IngestWorkers, log),
		monitor: health.NewMonitor(health.Config{
			BaseDelay:  cfg.ReconnectBaseDelay,
			MaxDelay:   cfg.ReconnectMaxDelay,
			MaxRetries: cfg.ReconnectMaxRetries,
		}, log),
	}

	llm := ai.NewClient(ai.ClientConfig{
		BaseURL:               cfg.OpenAIBaseURL,
		APIKey:                cfg.OpenAIAPIKey,
		Model:                 cfg.OpenAIModel,
		TranscriptionModel:    cfg.TranscriptionModel,
		TranscriptionLanguage: cfg.TranscriptionLanguage,
	}, log)

	a.registry = registry.New(registry.Config{
		CredentialTimeout: cfg.CredentialTimeout,
		ChallengeExpiry:   cfg.ChallengeExpiry,
	}, storeDB.Connections, storeDB.Transitions, creds, whatsapp.NewFactory(log), log)

	ingestDeps := ingest.Deps{
		Recorder:  storeDB,
		Messages:  storeDB.Messages,
		Media:     a.registry,
		Saver:     media.NewFileStore(media.StoreConfig{BaseDir: cfg.MediaDir, BaseURL: cfg.MediaBaseURL}, log),
		Stats:     a.monitor,
		Publisher: publisher,
	}
	if cfg.OpenAIAPIKey != "" {
		ingestDeps.Transcriber = llm
	} else {
		log.Warn("no AI provider key configured, audio will not be transcribed")
	}
	a.pipeline = ingest.New(ingestDeps, a.lanes, log)

	a.engine = autoreply.New(autoreply.Config{
		DebounceWindow: cfg.DebounceWindow,
		GatherWindow:   cfg.GatherWindow,
		DelayMin:       cfg.ReplyDelayMin,
		DelayMax:       cfg.ReplyDelayMax,
		HistoryLimit:   cfg.HistoryLimit,
		HandoffMarker:  cfg.HandoffMarker,
		Model:          cfg.OpenAIModel,
	}, autoreply.Deps{
		Chats:     storeDB.Chats,
		Messages:  storeDB.Messages,
		AIConfig:  storeDB.AIConfig,
		Completer: llm,
		Sender:    a.registry,
		Outbound:  a.pipeline,
		Publisher: publisher,
	}, log)

	a.pipeline.SetReplies(a.engine)
	a.registry.SetEventHandler(a.pipeline)

	a.bridge = bridge.New(bridge.Deps{
		Store:     storeDB,
		Registry:  a.registry,
		Engine:    a.engine,
		Outbound:  a.pipeline,
		Monitor:   a.monitor,
		Publisher: publisher,
	}, log)
	return a, nil
}

// close stops the components in dependency order. Live sessions are closed
// but their credentials are kept.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.engine.Stop()
	a.registry.Shutdown(ctx)
	a.lanes.Stop(ctx)
	a.monitor.Stop()
	if err := a.publisher.Close(); err != nil {
		a.log.Warn("failed to close publisher", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close store", "error", err)
	}
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-examiner/backend/internal/config"
	"github.com/zhouzirui/z-examiner/backend/internal/handler"
	"github.com/zhouzirui/z-examiner/backend/internal/model/prompt"
	"github.com/zhouzirui/z-examiner/backend/internal/service/ai"
	"github.com/zhouzirui/z-examiner/backend/internal/service/finalize"
	"github.com/zhouzirui/z-examiner/backend/internal/service/lifecycle"
	"github.com/zhouzirui/z-examiner/backend/internal/service/recovery"
	"github.com/zhouzirui/z-examiner/backend/internal/service/speech"
	"github.com/zhouzirui/z-examiner/backend/internal/service/transcript"
	"github.com/zhouzirui/z-examiner/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	gw, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}
	defer closeStore()

	chatModel, err := ai.NewChatModel(ctx, cfg.AI)
	if err != nil {
		log.Printf("warning: failed to initialize chat model: %v", err)
		log.Println("continuing offline - 请检查 AI_PROVIDER 及对应的模型环境变量")
		chatModel = nil
	}
	aiService, err := ai.NewService(ctx, chatModel, ai.Config{
		HistoryLimit:  cfg.AI.HistoryLimit,
		ModelAnalysis: cfg.AI.ModelAnalysis,
	})
	if err != nil {
		log.Fatalf("failed to initialize AI service: %v", err)
	}

	speechService := speech.NewService(cfg.Speech)
	if speechService.Enabled() {
		log.Println("Speech service initialized successfully")
	} else {
		log.Println("语音服务凭证未配置，仅支持文本回答")
	}

	syncer := transcript.NewSynchronizer(gw, transcript.Config{
		Debounce:     cfg.Lifecycle.SyncDebounce,
		WriteTimeout: cfg.Lifecycle.CollaboratorTimeout,
	})
	defer syncer.Close()

	finalizer := finalize.New(gw, aiService, aiService, finalize.Config{
		ClaimTTL:            cfg.Lifecycle.ClaimTTL,
		CollaboratorTimeout: cfg.Lifecycle.CollaboratorTimeout,
	})

	prompts := prompt.NewMemoryStore(prompt.Seed())
	orchestrator := lifecycle.New(lifecycle.Dependencies{
		Store:       gw,
		Prompts:     prompts,
		Syncer:      syncer,
		Finalizer:   finalizer,
		Transcriber: speechService,
		Questions:   aiService,
		Synthesizer: speechService,
	}, lifecycle.Config{
		CollaboratorTimeout: cfg.Lifecycle.CollaboratorTimeout,
		FinalizeTimeout:     cfg.Lifecycle.FinalizeTimeout,
		IdleTimeout:         cfg.Lifecycle.IdleTimeout,
		Sweep: recovery.Config{
			GraceWindow: cfg.Lifecycle.GraceWindow,
			Parallelism: cfg.Lifecycle.SweepParallelism,
		},
	})

	// 回收长时间无操作的会话，客户端断开后摘要照常生成
	go orchestrator.Run(ctx)

	router := handler.NewRouter(handler.Dependencies{
		Sessions:       orchestrator,
		Topics:         prompts,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Health: handler.Health{
			AI:     aiService.Online(),
			Speech: speechService.Enabled(),
			Store:  string(cfg.Store.Driver),
		},
	})

	startServer(ctx, cfg.Server, router)

	// 让已经开始的收尾在退出前完成，未完成的交给下次登录时的恢复
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := orchestrator.Drain(drainCtx); err != nil {
		log.Printf("warning: pending finalizations left for recovery: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Gateway, func(), error) {
	if cfg.Driver == config.StoreMemory {
		log.Println("using in-memory session store, sessions are lost on restart")
		return store.NewMemory(), func() {}, nil
	}

	db, err := store.OpenSQLite(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("session store opened driver=sqlite dsn=%s", cfg.DSN)
	return db, func() {
		if err := db.Close(); err != nil {
			log.Printf("warning: close session store: %v", err)
		}
	}, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Z Examiner backend listening on %s", addr)
	if err := runServer(ctx, srv, serverCfg.ShutdownTimeout); err != nil {
		log.Printf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gestorix/presync/internal/config"
	"github.com/gestorix/presync/internal/database"
	"github.com/gestorix/presync/internal/handlers"
	"github.com/gestorix/presync/internal/models"
	"github.com/gestorix/presync/internal/sheets"
	"github.com/gestorix/presync/internal/store"
	"github.com/gestorix/presync/internal/sync"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize database (Detects Embedded vs External automatically)
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	// Note: db.Close() is called manually in shutdown handler below

	// 3. Auto-Migrate Schema
	log.Println("🚀 Synchronizing database schema...")
	err = db.AutoMigrate(
		&models.Presupuesto{},
		&models.PresupuestoDetalle{},
		&models.DetalleMap{},
		&models.SyncConfig{},
		&models.SyncLog{},
	)
	if err != nil {
		log.Printf("⚠️ Migration warning: %v\n", err)
	} else {
		log.Println("✅ Schema synchronized successfully")
	}

	st := store.New(db.DB)

	// 4. Build the spreadsheet client from the active sync configuration.
	// Running without one is allowed; sync runs answer with a configuration
	// error until a sync_config row is activated and the service restarted.
	var remote sync.Remote
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	syncCfg, err := st.ActiveConfig(startCtx)
	if err != nil {
		log.Printf("⚠️ Could not read sync configuration: %v", err)
	}
	if syncCfg != nil {
		client, err := sheets.NewClient(startCtx, cfg.Sheets, syncCfg.SpreadsheetID, syncCfg.OrdersSheet, syncCfg.DetailsSheet)
		if err != nil {
			log.Printf("⚠️ Sheets client unavailable, sync disabled: %v", err)
		} else {
			remote = client
			log.Printf("✅ Sheets client ready (spreadsheet %s)", syncCfg.SpreadsheetID)
		}
	} else {
		log.Println("⚠️ No active sync configuration, sync disabled")
	}
	cancelStart()

	orch := sync.NewOrchestrator(st, remote, cfg.Sync)
	if remote != nil {
		if err := orch.Start(); err != nil {
			log.Printf("⚠️ Sync orchestrator failed to start: %v", err)
		}
	}

	// 5. Set up HTTP router
	router := handlers.NewRouter(db, st, orch, cfg.JWTSecret)

	// 6. Start server with graceful shutdown
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		log.Printf("🚀 Server starting on port %s\n", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	sig := <-shutdown
	log.Printf("\n⚠️  Received signal: %v. Shutting down gracefully...\n", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	orch.Stop()

	log.Println("🛑 Closing database connection...")
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("✅ Shutdown complete")
}

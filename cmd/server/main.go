package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kartikbazzad/tabflow/internal/authz"
	"github.com/kartikbazzad/tabflow/internal/config"
	"github.com/kartikbazzad/tabflow/internal/database"
	"github.com/kartikbazzad/tabflow/internal/handlers"
	"github.com/kartikbazzad/tabflow/internal/middleware"
	"github.com/kartikbazzad/tabflow/internal/models"
	"github.com/kartikbazzad/tabflow/internal/planner"
	"github.com/kartikbazzad/tabflow/internal/queue"
	"github.com/kartikbazzad/tabflow/internal/scheduler"
	"github.com/kartikbazzad/tabflow/internal/services"
	"github.com/kartikbazzad/tabflow/internal/storage"
	"github.com/kartikbazzad/tabflow/internal/store"
)

func main() {
	cfg := config.Default()
	if err := config.Load("TABFLOW_", &cfg); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize database
	ctx := context.Background()
	db, err := database.NewDB(ctx, cfg.DB)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	st := store.NewPostgres(db.Pool)

	storageClient, err := storage.NewClient(cfg.Storage.MinioConfig())
	if err != nil {
		log.Fatalf("Failed to initialize storage client: %v", err)
	}
	if !storageClient.Enabled() {
		log.Println("Object storage not configured; bundles and data paths stay logical")
	}

	gate, err := authz.NewEnforcer()
	if err != nil {
		log.Fatalf("Failed to initialize authorization: %v", err)
	}

	q, err := queue.NewMemory(cfg.Sched.QueueWorkers)
	if err != nil {
		log.Fatalf("Failed to initialize worker queue: %v", err)
	}
	defer q.Close()

	// Initialize services
	pl := planner.New(models.TransactionBy(cfg.Sched.TransactionBy))
	sched := scheduler.New(st, q, cfg.Sched.PollLimit, cfg.Sched.MaxDispatchRetries)
	cache, err := services.NewTemplateCache(cfg.Sched.TemplateCacheSize)
	if err != nil {
		log.Fatalf("Failed to initialize template cache: %v", err)
	}
	registry := services.NewRegistryService(st, storageClient, cache)
	executions := services.NewExecutionService(st, pl, sched, gate, cache)
	tokens := services.NewTokenService(st)

	// Initialize handlers
	collectionHandler := handlers.NewCollectionHandler(registry, gate)
	executionHandler := handlers.NewExecutionHandler(executions)
	workerHandler := handlers.NewWorkerHandler(executions)
	tokenHandler := handlers.NewTokenHandler(tokens, gate)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware(cfg.Server.CORSOrigin))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		if err := db.Healthy(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(middleware.TokenAuthMiddleware(tokens, cfg.Server.BootstrapToken))

	api.GET("/collections", collectionHandler.ListCollections)
	api.POST("/collections", collectionHandler.CreateCollection)
	api.GET("/collections/:collection/functions", collectionHandler.ListFunctions)
	api.POST("/collections/:collection/functions", collectionHandler.RegisterFunction)
	api.GET("/collections/:collection/functions/:function", collectionHandler.GetFunction)
	api.GET("/collections/:collection/functions/:function/template", executionHandler.Template)
	api.GET("/collections/:collection/tables", collectionHandler.ListTables)
	api.GET("/collections/:collection/tables/:table/versions", collectionHandler.ListTableVersions)
	api.GET("/collections/:collection/tables/:table/data/:version/uri", collectionHandler.DataVersionURI)
	api.DELETE("/collections/:collection/tables/:table", collectionHandler.DeleteTable)

	api.GET("/executions", executionHandler.ListExecutions)
	api.POST("/executions", executionHandler.CreateExecution)
	api.GET("/executions/:id", executionHandler.GetExecution)
	api.POST("/executions/:id/cancel", executionHandler.CancelExecution)
	api.GET("/transactions", executionHandler.ListTransactions)
	api.POST("/transactions/:id/cancel", executionHandler.CancelTransaction)
	api.GET("/runs", executionHandler.ListRuns)
	api.POST("/runs/:id/cancel", executionHandler.CancelRun)
	api.POST("/runs/:id/requeue", executionHandler.RequeueRun)
	api.POST("/runs/:id/yank", executionHandler.YankRun)

	workerAPI := api.Group("/worker")
	workerAPI.Use(middleware.WorkerRateLimitMiddleware())
	workerAPI.POST("/poll", workerHandler.Poll)
	workerAPI.POST("/commit", workerHandler.Commit)
	workerAPI.POST("/rollback", workerHandler.Rollback)
	workerAPI.POST("/result", workerHandler.Result)

	tokenAPI := api.Group("/tokens")
	tokenAPI.GET("", tokenHandler.List)
	tokenAPI.POST("", tokenHandler.Create)
	tokenAPI.DELETE("/:id", tokenHandler.Revoke)

	// Start server
	addr := ":" + cfg.Server.Port
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := router.Run(addr); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down")
}

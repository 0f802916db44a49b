package main

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

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/eca-allocation-api/api/swagger"
	"github.com/noah-isme/eca-allocation-api/internal/handler"
	internalmiddleware "github.com/noah-isme/eca-allocation-api/internal/middleware"
	"github.com/noah-isme/eca-allocation-api/internal/models"
	"github.com/noah-isme/eca-allocation-api/internal/repository"
	"github.com/noah-isme/eca-allocation-api/internal/service"
	"github.com/noah-isme/eca-allocation-api/pkg/cache"
	"github.com/noah-isme/eca-allocation-api/pkg/config"
	"github.com/noah-isme/eca-allocation-api/pkg/database"
	"github.com/noah-isme/eca-allocation-api/pkg/jobs"
	"github.com/noah-isme/eca-allocation-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/eca-allocation-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/eca-allocation-api/pkg/middleware/requestid"
)

// @title ECA Allocation API
// @version 1.0.0
// @description Extra-curricular activity registration and allocation service
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
		redisClient = nil
	}
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close()

	metricsSvc := service.NewMetricsService()
	cacheSvc := service.NewCacheService(
		cacheRepo,
		metricsSvc,
		cfg.Allocation.PreviewCacheTTL,
		logr,
		cfg.Allocation.PreviewCacheEnabled && redisClient != nil,
	)

	termRepo := repository.NewEcaTermRepository(db)
	activityRepo := repository.NewEcaActivityRepository(db)
	allocationRepo := repository.NewEcaAllocationRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	stores := service.EcaAllocationStores{
		Terms:       termRepo,
		Activities:  activityRepo,
		Selections:  repository.NewEcaSelectionRepository(db),
		Invitations: repository.NewEcaInvitationRepository(db),
		Students:    repository.NewStudentRepository(db),
		Allocations: allocationRepo,
		Waitlist:    repository.NewEcaWaitlistRepository(db),
		Audit:       auditRepo,
	}

	postRun := jobs.NewQueue("eca-post-run", jobs.QueueConfig{
		Workers:    cfg.Allocation.PostRunWorkers,
		MaxRetries: cfg.Allocation.PostRunRetries,
		Logger:     logr,
	})
	postRun.Register(service.JobTypeInvalidateTerm, service.NewEcaCacheInvalidator(cacheSvc, logr).Handle)
	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	postRun.Start(queueCtx)

	validate := validator.New()
	engine := service.NewEcaAllocationEngine(cfg.Allocation.ParallelGroups, cfg.Allocation.SoftTargetRatio, logr)
	allocationSvc := service.NewEcaAllocationService(db, stores, engine, cacheSvc, postRun, metricsSvc, service.EcaAllocationServiceConfig{
		DefaultCancelBelowMinimum: cfg.Allocation.DefaultCancelBelowMinimum,
		PreviewCacheTTL:           cfg.Allocation.PreviewCacheTTL,
	}, validate, logr)
	termSvc := service.NewEcaTermService(db, termRepo, auditRepo, postRun, validate, logr)
	selectionSvc := service.NewEcaSelectionService(db, stores, postRun, validate, logr)
	exportSvc := service.NewExportService(activityRepo, allocationRepo, nil, nil, logr)
	adminSvc := service.NewEcaAllocationAdminService(db, stores, cacheSvc, postRun, exportSvc, cfg.Allocation.StudentCacheTTL, validate, logr)
	tokenSvc := service.NewTokenService(cfg.JWT)

	allocationHandler := handler.NewEcaAllocationHandler(allocationSvc)
	termHandler := handler.NewTermHandler(termSvc)
	selectionHandler := handler.NewEcaSelectionHandler(selectionSvc)
	adminHandler := handler.NewEcaAdminHandler(adminSvc)
	checks := map[string]handler.Pinger{"postgres": db}
	if redisClient != nil {
		checks["redis"] = handler.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	}
	metricsHandler := handler.NewMetricsHandler(metricsSvc, checks)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc, "/metrics", "/health"))
	r.Use(internalmiddleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(internalmiddleware.JWT(tokenSvc))

	adminOnly := internalmiddleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin)
	guardian := internalmiddleware.RequireStaffOrGuardian(models.RoleAdmin, models.RoleSuperAdmin)

	api.GET("/metrics/summary", adminOnly, metricsHandler.Summary)

	eca := api.Group("/eca")
	terms := eca.Group("/terms/:id")
	terms.GET("", adminOnly, termHandler.Get)
	terms.POST("/transition", adminOnly, termHandler.Transition)
	terms.POST("/allocation/run", adminOnly, allocationHandler.Run)
	terms.POST("/allocation/preview", adminOnly, allocationHandler.Preview)
	terms.GET("/allocations", adminOnly, adminHandler.List)
	terms.POST("/allocations", adminOnly, adminHandler.Manual)

	students := terms.Group("/students/:studentId", guardian)
	students.GET("/eligible-activities", selectionHandler.EligibleActivities)
	students.GET("/selections", selectionHandler.List)
	students.PUT("/selections", selectionHandler.Submit)
	students.GET("/allocations", adminHandler.StudentAllocations)

	eca.POST("/allocations/:id/withdraw", adminOnly, adminHandler.Withdraw)
	eca.GET("/activities/:id/waitlist", adminOnly, adminHandler.Waitlist)
	eca.GET("/activities/:id/roster",
		internalmiddleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin, models.RoleTeacher),
		internalmiddleware.Audit(auditRepo, logr, "ECA_ROSTER_EXPORT", "eca_activity"),
		adminHandler.Roster,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logr.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
	postRun.Stop()
}

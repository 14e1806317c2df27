package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nats-io/nats.go"

	"github.com/streamspace/pluginhost/internal/cache"
	"github.com/streamspace/pluginhost/internal/config"
	"github.com/streamspace/pluginhost/internal/logger"
	"github.com/streamspace/pluginhost/internal/pherrors"
	"github.com/streamspace/pluginhost/internal/plugins"
	"github.com/streamspace/pluginhost/internal/registryclient"
	"github.com/streamspace/pluginhost/internal/store"
)

func main() {
	cfg := config.Load()
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	log.Info().Str("pluginsDir", cfg.PluginsDir).Msg("starting plugin host")

	var auditStore *store.Store
	if cfg.StoreEnabled {
		log.Info().Msg("connecting to install-log store")
		s, err := store.New(store.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			DBName:   cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to install-log store")
		}
		if err := s.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate install-log store")
		}
		auditStore = s
		defer auditStore.Close()
	} else {
		log.Info().Msg("install-log store disabled")
	}

	redisMirror, err := cache.NewCache(cache.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Enabled:  cfg.RedisEnabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize redis mirror, continuing without it")
		redisMirror, _ = cache.NewCache(cache.Config{Enabled: false})
	}
	defer redisMirror.Close()

	registry := plugins.NewFactoryRegistry()
	// Real deployments register one Factory per compiled-in plugin
	// package here, e.g. registry.Register("analytics", analyticsplugin.Descriptor).
	moduleLoader := plugins.NewFactoryModuleLoader(registry)

	host := plugins.NewHost(plugins.HostConfig{
		PluginsDir:           cfg.PluginsDir,
		CacheMaxSize:         cfg.CacheMaxSize,
		CacheMemoryLimitMB:   cfg.CacheMemoryLimitMB,
		CacheCleanupInterval: cfg.CacheCleanupInterval,
		CacheDefaultTTL:      cfg.CacheDefaultTTL,
		ConflictScanInterval: 5 * time.Minute,
	}, moduleLoader)
	host.Cache.SetMirror(redisMirror)

	if auditStore != nil {
		host.Loader.OnTransition = func(pluginName, version, state, reason string) {
			if err := auditStore.RecordTransition(pluginName, version, state, reason); err != nil {
				log.Warn().Err(err).Str("plugin", pluginName).Msg("failed to persist state transition")
			}
		}
	}

	if cfg.NATSEnabled {
		log.Info().Str("url", cfg.NATSURL).Msg("connecting to NATS for event fan-out")
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to NATS, continuing without fan-out")
		} else {
			host.Bus.WithNATS(nc)
			defer nc.Close()
		}
	}

	regClient := registryclient.New(cfg.RegistryURL, cfg.RegistryTimeout)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 2*time.Minute)
	result, startErr := host.Start(startCtx)
	cancelStart()
	if len(result.Loaded) > 0 {
		log.Info().Strs("plugins", result.Loaded).Msg("plugins loaded")
	}
	if len(result.Failed) > 0 {
		log.Warn().Strs("plugins", result.Failed).Msg("plugins failed to load")
	}
	if startErr != nil {
		log.Error().Err(startErr).Msg("critical plugin failed to load, shutting down")
		host.Shutdown()
		os.Exit(1)
	}

	router := newRouter(host, regClient, cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ControlPlanePort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("port", cfg.ControlPlanePort).Msg("control plane listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("control plane server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("control plane server forced to shutdown")
	}

	host.Shutdown()
	log.Info().Msg("plugin host stopped")
}

// newRouter builds the read-mostly control-plane HTTP surface described
// in spec §5: installed-plugin listing, health, metrics, and registry
// passthrough endpoints. Write operations (metrics reset, registry
// install/update) sit behind a shared-secret bearer token rather than
// the teacher's full session-backed JWT stack, since this surface has
// no end-user identity to authenticate, only an operator credential.
func newRouter(host *plugins.Host, regClient *registryclient.Client, cfg config.Config) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	plugins_ := router.Group("/plugins")
	{
		plugins_.GET("/installed", handleInstalled(host))
		plugins_.GET("/updates", handleUpdates(host, regClient))
		plugins_.GET("/stats", handleStats(host))
		plugins_.GET("/health", handleHealthAll(host))
		plugins_.GET("/health/:name", handleHealthOne(host))
		plugins_.GET("/metrics", handleMetricsAll(host))
		plugins_.GET("/metrics/:name", handleMetricsOne(host))

		admin := plugins_.Group("")
		admin.Use(bearerAuth(cfg.JWTSigningSecret))
		{
			admin.POST("/metrics/:name/reset", handleMetricsReset(host))
			admin.POST("/metrics/reset-all", handleMetricsResetAll(host))
		}
	}

	reg := router.Group("/registry")
	{
		reg.GET("/plugins", handleRegistryList(regClient))
		reg.GET("/status", handleRegistryStatus(regClient))

		regAdmin := reg.Group("")
		regAdmin.Use(bearerAuth(cfg.JWTSigningSecret))
		{
			regAdmin.POST("/plugins", handleRegistryUpload(regClient))
			regAdmin.POST("/plugins/:name/install", handleRegistryInstall(regClient))
			regAdmin.POST("/plugins/:name/update", handleRegistryInstall(regClient))
		}
	}

	return router
}

func requestLogger() gin.HandlerFunc {
	log := logger.ControlPlane()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	}
}

// bearerAuth gates write endpoints behind a shared HS256 bearer token.
// The control plane has no end-user sessions to validate, so unlike the
// teacher's cookie/session JWT flow, a valid signature is the whole
// check — there is no subject lookup.
func bearerAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control plane admin endpoints disabled: JWT_SIGNING_SECRET not set"})
			c.Abort()
			return
		}

		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization: Bearer <token> required"})
			c.Abort()
			return
		}

		_, err := jwt.Parse(parts[1], func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func writeHostError(c *gin.Context, err error) {
	var he *pherrors.HostError
	if errors.As(err, &he) {
		c.JSON(he.StatusCode(), he.ToResponse())
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func handleInstalled(host *plugins.Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		names := host.Loader.ListLoaded()
		out := make([]gin.H, 0, len(names))
		for _, name := range names {
			loaded, ok := host.Loader.Get(name)
			if !ok {
				continue
			}
			st, _ := host.State.GetCurrentState(name)
			out = append(out, gin.H{
				"name":    name,
				"state":   st,
				"version": loaded.Version(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"plugins": out})
	}
}

func handleUpdates(host *plugins.Host, regClient *registryclient.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := regClient.List(c.Request.Context())
		if err != nil {
			writeHostError(c, err)
			return
		}

		var updates []gin.H
		for _, rec := range records {
			loaded, ok := host.Loader.Get(rec.Name)
			if !ok {
				continue
			}
			if loaded.Version() != rec.Version {
				updates = append(updates, gin.H{
					"name":           rec.Name,
					"currentVersion": loaded.Version(),
					"latestVersion":  rec.Version,
				})
			}
		}
		c.JSON(http.StatusOK, gin.H{"updates": updates})
	}
}

func handleStats(host *plugins.Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"loaded":      host.Loader.ListLoaded(),
			"memory":      host.Memory.Stats(),
			"cache":       host.Cache.Stats(),
			"redisMirror": host.Cache.MirrorStats(),
			"conflicts":   host.ConflictDetector.Scan(),
		})
	}
}

func handleHealthAll(host *plugins.Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		if plugin := c.Query("plugin"); plugin != "" {
			c.JSON(http.StatusOK, pluginHealth(host, plugin))
			return
		}
		out := make(map[string]interface{})
		for _, name := range host.Loader.ListLoaded() {
			out[name] = pluginHealth(host, name)
		}
		c.JSON(http.StatusOK, gin.H{"plugins": out})
	}
}

func handleHealthOne(host *plugins.Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, pluginHealth(host, c.Param("name")))
	}
}

func pluginHealth(host *plugins.Host, name string) gin.H {
	st, known := host.State.GetCurrentState(name)
	stats := host.Breaker.Stats(name)
	return gin.H{
		"name":          name,
		"known":         known,
		"state":         st,
		"circuitState":  stats.State,
		"failureCount":  stats.FailureCount,
		"lastFailure":   stats.LastFailure,
	}
}

func handleMetricsAll(host *plugins.Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		if plugin := c.Query("plugin"); plugin != "" {
			c.JSON(http.StatusOK, host.Breaker.Stats(plugin))
			return
		}
		out := make(map[string]interface{})
		for _, name := range host.Loader.ListLoaded() {
			out[name] = host.Breaker.Stats(name)
		}
		c.JSON(http.StatusOK, gin.H{"metrics": out})
	}
}

func handleMetricsOne(host *plugins.Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, host.Breaker.Stats(c.Param("name")))
	}
}

func handleMetricsReset(host *plugins.Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		host.Breaker.ResetPlugin(c.Param("name"))
		c.JSON(http.StatusOK, gin.H{"reset": c.Param("name")})
	}
}

func handleMetricsResetAll(host *plugins.Host) gin.HandlerFunc {
	return func(c *gin.Context) {
		host.Breaker.ResetAll()
		c.JSON(http.StatusOK, gin.H{"reset": "all"})
	}
}

func handleRegistryList(regClient *registryclient.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := regClient.List(c.Request.Context())
		if err != nil {
			writeHostError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"plugins": records})
	}
}

func handleRegistryStatus(regClient *registryclient.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := regClient.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleRegistryUpload(regClient *registryclient.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, header, err := c.Request.FormFile("plugin")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'plugin' required"})
			return
		}
		defer file.Close()

		record, err := regClient.Upload(c.Request.Context(), header.Filename, file)
		if err != nil {
			writeHostError(c, err)
			return
		}
		c.JSON(http.StatusCreated, record)
	}
}

func handleRegistryInstall(regClient *registryclient.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		body, err := regClient.Download(c.Request.Context(), name)
		if err != nil {
			writeHostError(c, err)
			return
		}
		defer body.Close()

		// Installing a downloaded package onto disk under the plugins
		// directory and re-running discovery is left to the operator's
		// deployment tooling; this endpoint only proves the registry
		// has a deliverable package for the requested name.
		c.JSON(http.StatusAccepted, gin.H{"name": name, "status": "download-ready"})
	}
}

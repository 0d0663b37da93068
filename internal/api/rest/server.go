package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/api/websocket"
	"github.com/KevinKickass/OpenScanCore/internal/auth"
	"github.com/KevinKickass/OpenScanCore/internal/config"
	"github.com/KevinKickass/OpenScanCore/internal/interfaces"
	"github.com/KevinKickass/OpenScanCore/internal/metrics"
	"github.com/KevinKickass/OpenScanCore/internal/plans"
	"github.com/KevinKickass/OpenScanCore/internal/storage"
	"github.com/KevinKickass/OpenScanCore/internal/surface"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SurfaceProvider looks up control surfaces by name.
type SurfaceProvider interface {
	Surface(name string) (*surface.Surface, bool)
	Surfaces() []*surface.Surface
}

// Store is the persistence the handlers read and write.
type Store interface {
	SaveScanList(ctx context.Context, location, text string) error
	LoadScanList(ctx context.Context, location string) (*storage.ScanListRecord, error)
	ListScanLists(ctx context.Context) ([]*storage.ScanListRecord, error)
	DeleteScanList(ctx context.Context, location string) error
	ListPlanEvents(ctx context.Context, surface string, limit int) ([]*storage.PlanEvent, error)
}

// PlanCatalog lists and loads plan presets; *plans.Loader implements it.
type PlanCatalog interface {
	List() ([]string, error)
	Load(name string) (*plans.Document, error)
	Validator() *plans.Validator
}

type Deps struct {
	Lifecycle interfaces.LifecycleManager
	Surfaces  SurfaceProvider
	Plans     PlanCatalog
	Store     Store
	Auth      *auth.Service
	Hub       *websocket.Hub
}

type Server struct {
	router   *gin.Engine
	lm       interfaces.LifecycleManager
	surfaces SurfaceProvider
	plans    PlanCatalog
	store    Store
	auth     *auth.Service
	wsHub    *websocket.Hub
	logger   *zap.Logger
	server   *http.Server
}

func NewServer(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:   gin.New(),
		lm:       deps.Lifecycle,
		surfaces: deps.Surfaces,
		plans:    deps.Plans,
		store:    deps.Store,
		auth:     deps.Auth,
		wsHub:    deps.Hub,
		logger:   logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH (PUBLIC) ====================
		authPublic := v1.Group("/auth")
		{
			authPublic.POST("/login", s.login)
			authPublic.POST("/refresh", s.refreshToken)
		}

		// ==================== AUTH (AUTHENTICATED) ====================
		authProtected := v1.Group("/auth")
		authProtected.Use(s.auth.AuthMiddleware())
		{
			authProtected.POST("/logout", s.logout)
			authProtected.GET("/me", s.getCurrentPrincipal)
		}

		// ==================== STATION TOKENS (ADMIN ONLY) ====================
		stationTokens := v1.Group("/station-tokens")
		stationTokens.Use(s.auth.AuthMiddleware(), auth.RequireRole(auth.RoleAdmin))
		{
			stationTokens.POST("", s.createStationToken)
			stationTokens.GET("", s.listStationTokens)
			stationTokens.DELETE("/:id", s.deleteStationToken)
		}

		// ==================== OPERATORS (ADMIN ONLY) ====================
		operators := v1.Group("/operators")
		operators.Use(s.auth.AuthMiddleware(), auth.RequireRole(auth.RoleAdmin))
		{
			operators.POST("", s.createOperator)
			operators.GET("", s.listOperators)
			operators.PATCH("/:id", s.updateOperator)
			operators.DELETE("/:id", s.deleteOperator)
		}

		// ==================== SYSTEM ====================
		system := v1.Group("/system")
		system.Use(s.auth.AuthMiddleware())
		{
			system.GET("/status", auth.RequireRole(auth.RoleObserver), s.getSystemStatus)
			system.POST("/reload-plans", auth.RequireRole(auth.RoleAdmin), s.reloadPlans)
			system.POST("/shutdown", auth.RequireRole(auth.RoleAdmin), s.shutdown)
		}

		// ==================== SURFACES ====================
		surfaces := v1.Group("/surfaces")
		surfaces.Use(s.auth.AuthMiddleware())
		{
			surfaces.GET("", auth.RequireRole(auth.RoleObserver), s.listSurfaces)
			surfaces.GET("/:name", auth.RequireRole(auth.RoleObserver), s.getSurface)
			surfaces.GET("/:name/events", auth.RequireRole(auth.RoleObserver), s.listSurfaceEvents)
			surfaces.POST("/:name/commands", auth.RequireRole(auth.RoleOperator), s.executeCommand)
		}

		// ==================== SCAN LISTS ====================
		scanlists := v1.Group("/scanlists")
		scanlists.Use(s.auth.AuthMiddleware())
		{
			scanlists.POST("/parse", auth.RequireRole(auth.RoleObserver), s.parseScanList)
			scanlists.GET("", auth.RequireRole(auth.RoleObserver), s.listScanLists)
			scanlists.GET("/:location", auth.RequireRole(auth.RoleObserver), s.getScanList)
			scanlists.PUT("/:location", auth.RequireRole(auth.RoleOperator), s.putScanList)
			scanlists.DELETE("/:location", auth.RequireRole(auth.RoleOperator), s.deleteScanList)
		}

		// ==================== PLANS ====================
		planRoutes := v1.Group("/plans")
		planRoutes.Use(s.auth.AuthMiddleware(), auth.RequireRole(auth.RoleObserver))
		{
			planRoutes.GET("", s.listPlans)
			planRoutes.GET("/:name", s.getPlan)
			planRoutes.POST("/validate", s.validatePlan)
		}

		// ==================== WEBSOCKET (Auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.auth.AuthMiddleware(), auth.RequireRole(auth.RoleObserver), s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	if s.wsHub == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse("WS_503", "WebSocket hub not available", nil))
		return
	}
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	count := 0
	if s.wsHub != nil {
		count = s.wsHub.GetClientCount()
	}
	c.JSON(http.StatusOK, gin.H{"connected_clients": count})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"bybit-grid-bot-go/internal/engine"
	"bybit-grid-bot-go/internal/exchange"
	"bybit-grid-bot-go/internal/logger"
	"bybit-grid-bot-go/internal/models"
	"bybit-grid-bot-go/internal/storage"

	"github.com/gin-gonic/gin"
)

// Server 提供只读仪表盘接口和网格控制接口。
// Read endpoints serve snapshots from the state store; control endpoints
// delegate to the engine and never touch grid state directly.
type Server struct {
	router     *gin.Engine
	grid       *engine.GridInstance
	store      *storage.Store
	exchange   exchange.Exchange
	hub        *wsHub
	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(grid *engine.GridInstance, store *storage.Store, ex exchange.Exchange, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router:   router,
		grid:     grid,
		store:    store,
		exchange: ex,
		hub:      newWSHub(),
	}
	s.httpServer = &http.Server{Addr: addr, Handler: router}
	s.setupRoutes()
	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/orders", s.handleOrders)
		api.GET("/trades", s.handleTrades)
		api.GET("/performance", s.handlePerformance)
		api.GET("/grid-levels", s.handleGridLevels)
		api.GET("/dashboard", s.handleDashboard)

		api.POST("/bot/configure", s.handleConfigure)
		api.POST("/bot/start", s.handleStart)
		api.POST("/bot/stop", s.handleStop)
	}
	s.router.GET("/ws", s.handleWebSocket)
}

// Start begins serving and launches the dashboard broadcast loop.
func (s *Server) Start() {
	go s.hub.run(s.dashboardPayload)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.S().Errorf("http server error: %v", err)
		}
	}()
	logger.S().Infof("dashboard server listening on %s", s.httpServer.Addr)
}

// Shutdown stops the broadcast loop and the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	status := s.grid.Status()

	payload := gin.H{
		"status":     status.Status,
		"degraded":   status.Degraded,
		"last_error": status.LastError,
		"grid":       status.Grid,
	}

	// Balance and price are best effort; the dashboard must render even when
	// the exchange is unreachable.
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if balance, err := s.exchange.GetWalletBalance(ctx); err == nil {
		payload["wallet"] = balance
	}
	if status.Grid != nil {
		if price, err := s.exchange.GetTickerPrice(ctx, status.Grid.Symbol); err == nil {
			payload["current_price"] = price
		}
	}

	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	status := models.OrderStatus(c.Query("status"))

	orders, err := s.store.ListOrders(status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) handleTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	trades, err := s.store.ListTrades(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handlePerformance(c *gin.Context) {
	performance, err := s.store.GetPerformance()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, performance)
}

func (s *Server) handleGridLevels(c *gin.Context) {
	levels, err := s.store.ListLevels()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"grid_levels": levels})
}

func (s *Server) handleDashboard(c *gin.Context) {
	c.JSON(http.StatusOK, s.dashboardPayload())
}

// dashboardPayload builds the composite snapshot pushed over the WebSocket
// and served at /api/dashboard.
func (s *Server) dashboardPayload() gin.H {
	status := s.grid.Status()

	performance, err := s.store.GetPerformance()
	if err != nil {
		logger.S().Warnf("dashboard performance read: %v", err)
	}
	recentTrades, err := s.store.ListTrades(10)
	if err != nil {
		logger.S().Warnf("dashboard trades read: %v", err)
	}
	activeOrders, err := s.store.ListOrders(models.StatusOpen, 50)
	if err != nil {
		logger.S().Warnf("dashboard orders read: %v", err)
	}
	levels, err := s.store.ListLevels()
	if err != nil {
		logger.S().Warnf("dashboard levels read: %v", err)
	}

	return gin.H{
		"status":        status,
		"performance":   performance,
		"recent_trades": recentTrades,
		"active_orders": activeOrders,
		"grid_levels":   levels,
		"timestamp":     time.Now().Format(time.RFC3339),
	}
}

func (s *Server) handleConfigure(c *gin.Context) {
	var cfg models.GridConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.grid.Configure(&cfg); err != nil {
		c.JSON(controlErrorCode(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "grid configured", "grid": cfg})
}

func (s *Server) handleStart(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := s.grid.Start(ctx); err != nil {
		c.JSON(controlErrorCode(err), gin.H{"error": err.Error()})
		return
	}
	s.hub.broadcastNow()
	c.JSON(http.StatusOK, gin.H{"message": "grid started"})
}

func (s *Server) handleStop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := s.grid.Stop(ctx); err != nil {
		c.JSON(controlErrorCode(err), gin.H{"error": err.Error()})
		return
	}
	s.hub.broadcastNow()
	c.JSON(http.StatusOK, gin.H{"message": "grid stopped"})
}

// controlErrorCode maps the engine error taxonomy onto HTTP statuses.
func controlErrorCode(err error) int {
	var cfgErr *models.InvalidConfigurationError
	var rangeErr *models.PriceOutOfRangeError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.As(err, &rangeErr):
		return http.StatusConflict
	case errors.Is(err, models.ErrAlreadyRunning), errors.Is(err, models.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotConfigured):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

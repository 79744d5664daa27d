package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"portfolio-risk/internal/engine"
	"portfolio-risk/internal/events"
	"portfolio-risk/internal/monitor"
)

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Bus       *events.Bus
	Metrics   *monitor.Metrics
	JWTSecret string
	log       *zap.Logger
}

// NewServer builds the router. metrics and bus may be nil.
func NewServer(svc engine.Service, bus *events.Bus, metrics *monitor.Metrics, log *zap.Logger, jwtSecret string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("api")
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                                 // Panic recovery (first)
	r.Use(RequestIDMiddleware())                          // Request ID tracking
	r.Use(RequestLogger(log, metrics))                    // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(newIPLimiter(20, 50), log)) // Rate limiting
	r.Use(TimeoutMiddleware(30*time.Second, log))         // Request timeout (30s)
	r.Use(CORSMiddleware())                               // CORS (last before routes)

	s := &Server{
		Router:    r,
		Engine:    svc,
		Bus:       bus,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		log:       log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.JWTSecret))
	{
		api.GET("/ws", s.websocket)
		api.GET("/system/status", s.getSystemStatus)
		api.POST("/risk/validate", s.validateTrade)
		api.PUT("/breaker/config", s.updateBreakerConfig)

		acct := api.Group("/accounts/:id")
		acct.Use(AccountScopeMiddleware())
		{
			acct.GET("/summary", s.getSummary)
			acct.GET("/equity", s.getEquity)
			acct.PUT("/equity", s.setEquity)
			acct.POST("/pnl", s.recordPnL)

			acct.GET("/strategies", s.listStrategies)
			acct.GET("/strategies/:strategy/allocation", s.getAllocation)
			acct.GET("/strategies/:strategy/drawdown", s.getStrategyDrawdown)

			acct.GET("/trades", s.listTrades)
			acct.POST("/trades", s.createTrade)
			acct.PUT("/trades/:trade/status", s.updateTradeStatus)

			acct.GET("/breaker", s.getBreakerStatus)
			acct.POST("/breaker/evaluate", s.evaluateBreaker)
			acct.POST("/breaker/force-resume", s.forceResume)
			acct.GET("/breaker/history", s.getBreakerHistory)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

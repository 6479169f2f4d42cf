package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"collswap/internal/chainsync"
	"collswap/internal/domain"
	"collswap/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler holds the HTTP handler dependencies.
type Handler struct {
	svc      *service.OrderService
	gatherer prometheus.Gatherer
	ingest   gin.HandlerFunc
	logger   *slog.Logger
}

// NewHandler creates a new Handler. gatherer backs GET /metrics.
func NewHandler(svc *service.OrderService, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		svc:      svc,
		gatherer: gatherer,
		logger:   slog.Default().With("module", "api"),
	}
}

// SetIngest mounts a chain event push endpoint at POST /api/chain/events.
// Call before NewRouter.
func (h *Handler) SetIngest(fn gin.HandlerFunc) {
	h.ingest = fn
}

// NewRouter builds the gin engine with recovery and request metrics.
func NewRouter(h *Handler, m *HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if m != nil {
		r.Use(PrometheusMiddleware(m))
	}
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes sets up the Gin routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	orders := r.Group("/api/orders")
	{
		orders.POST("", h.CreateOrder)
		orders.GET("", h.ListOrders)
		orders.POST("/fill", h.Fill)
		orders.POST("/quote", h.Quote)
		orders.POST("/sync", h.TriggerSync)
		orders.GET("/sync/status", h.SyncStatus)
		orders.GET("/:id", h.GetOrder)
		orders.POST("/:id/cancel", h.CancelOrder)
	}

	if h.ingest != nil {
		r.POST("/api/chain/events", h.ingest)
	}
}

// Health returns a health check response.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "orderbookd",
	})
}

// CreateOrder handles POST /api/orders.
func (h *Handler) CreateOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.svc.CreateOrder(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// ListOrders handles GET /api/orders.
func (h *Handler) ListOrders(c *gin.Context) {
	filter := domain.OrderFilter{
		Owner:           c.Query("owner"),
		CollateralToken: c.Query("collateralToken"),
		DebtToken:       c.Query("debtToken"),
		Status:          domain.OrderStatus(c.Query("status")),
		Origin:          domain.OrderOrigin(c.Query("origin")),
	}
	if s := c.Query("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		filter.Limit = limit
	}

	orders, err := h.svc.ListOrders(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

// GetOrder handles GET /api/orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.svc.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// Quote handles POST /api/orders/quote.
func (h *Handler) Quote(c *gin.Context) {
	var req service.FillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.Quote(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Fill handles POST /api/orders/fill.
func (h *Handler) Fill(c *gin.Context) {
	var req service.FillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.Fill(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CancelOrder handles POST /api/orders/:id/cancel.
func (h *Handler) CancelOrder(c *gin.Context) {
	order, err := h.svc.CancelOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// TriggerSync handles POST /api/orders/sync.
func (h *Handler) TriggerSync(c *gin.Context) {
	report, err := h.svc.TriggerSync(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// SyncStatus handles GET /api/orders/sync/status.
func (h *Handler) SyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.SyncStatus())
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var liq *domain.LiquidityError
	if errors.As(err, &liq) {
		body := gin.H{"error": err.Error()}
		if liq.Partial != nil {
			body["totalIn"] = liq.Partial.TotalIn
			body["totalOut"] = liq.Partial.TotalOut
			body["matchDetails"] = liq.Partial.Legs
		}
		c.JSON(http.StatusBadRequest, body)
		return
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			slog.String("path", c.FullPath()),
			slog.Int("status", status),
			slog.Any("error", err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrencyConflict),
		errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, chainsync.ErrSyncRunning):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSettlementFailed):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrSettlementUnavailable),
		errors.Is(err, chainsync.ErrNoBackfill):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

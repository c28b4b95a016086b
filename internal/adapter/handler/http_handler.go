package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eduardoromerom/NessJewerly/internal/adapter/report"
	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/core/service"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type HTTPConfig struct {
	LowStockThreshold int64
	// StreamLimit bounds live queries that name no limit.
	StreamLimit int
	Heartbeat   time.Duration
	// CatalogWait bounds how long a read waits for the first catalog
	// snapshot.
	CatalogWait time.Duration
	// TokenSecret enables DeviceAuth on /api when set.
	TokenSecret string
	Collections domain.Collections
}

type HTTPHandler struct {
	catalog *service.Catalog
	items   *service.CatalogService
	ledger  *service.StockLedger
	engine  *service.LiveQueryEngine
	diag    *service.Diagnostics
	reports *report.Builder
	cfg     HTTPConfig
	logger  *zap.Logger
}

type HTTPServices struct {
	Catalog     *service.Catalog
	Items       *service.CatalogService
	Ledger      *service.StockLedger
	Engine      *service.LiveQueryEngine
	Diagnostics *service.Diagnostics
	Reports     *report.Builder
}

func NewHTTPHandler(svc HTTPServices, cfg HTTPConfig, logger *zap.Logger) *HTTPHandler {
	if cfg.LowStockThreshold <= 0 {
		cfg.LowStockThreshold = 3
	}
	if cfg.StreamLimit <= 0 {
		cfg.StreamLimit = 50
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.CatalogWait <= 0 {
		cfg.CatalogWait = 5 * time.Second
	}
	cfg.Collections = cfg.Collections.WithDefaults()
	if svc.Reports == nil {
		svc.Reports = report.NewBuilder(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		catalog: svc.Catalog,
		items:   svc.Items,
		ledger:  svc.Ledger,
		engine:  svc.Engine,
		diag:    svc.Diagnostics,
		reports: svc.Reports,
		cfg:     cfg,
		logger:  logger,
	}
}

// Router builds the gin engine serving the inventory API.
func (h *HTTPHandler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), Logger(h.logger))

	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	if h.cfg.TokenSecret != "" {
		api.Use(DeviceAuth(h.cfg.TokenSecret))
	}
	api.GET("/items", h.ListItems)
	api.GET("/items/low-stock", h.LowStock)
	api.POST("/items", h.AddItem)
	api.PUT("/items/:key", h.UpsertItem)
	api.DELETE("/items/:key", h.DeleteItem)
	api.POST("/items/:key/movements", h.ApplyMovement)
	api.GET("/items/:key/movements", h.ListMovements)
	api.GET("/locations", h.ListLocations)
	api.POST("/locations", h.PutLocation)
	api.DELETE("/locations/:name", h.DeleteLocation)
	api.GET("/report.xlsx", h.Report)
	api.GET("/stream/:collection", h.Stream)
	api.GET("/diag/ping", h.Ping)
	return r
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type itemRequest struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Material  string          `json:"material"`
	Location  string          `json:"location"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int64           `json:"quantity"`
}

type itemPatchRequest struct {
	Name      *string          `json:"name"`
	Category  *string          `json:"category"`
	Material  *string          `json:"material"`
	Location  *string          `json:"location"`
	UnitPrice *decimal.Decimal `json:"unitPrice"`
	Quantity  *int64           `json:"quantity"`
}

type movementRequest struct {
	Direction string `json:"direction"`
	Quantity  int64  `json:"quantity"`
	Note      string `json:"note"`
}

type locationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type itemResponse struct {
	Key       string          `json:"key"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Category  string          `json:"category,omitempty"`
	Material  string          `json:"material,omitempty"`
	Location  string          `json:"location,omitempty"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int64           `json:"quantity"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
	UpdatedBy string          `json:"updatedBy,omitempty"`
}

type movementResponse struct {
	ID             string    `json:"id"`
	ItemKey        string    `json:"itemKey"`
	Direction      string    `json:"direction"`
	Quantity       int64     `json:"quantity"`
	QuantityBefore int64     `json:"quantityBefore"`
	QuantityAfter  int64     `json:"quantityAfter"`
	Timestamp      time.Time `json:"timestamp"`
	Note           string    `json:"note,omitempty"`
	Actor          string    `json:"actor,omitempty"`
}

func toItemResponses(items []domain.Item) []itemResponse {
	out := make([]itemResponse, len(items))
	for i, item := range items {
		out[i] = itemResponse{
			Key:       item.Key,
			SKU:       item.SKU,
			Name:      item.Name,
			Category:  item.Category,
			Material:  item.Material,
			Location:  item.Location,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			UpdatedBy: item.UpdatedBy,
		}
		if !item.UpdatedAt.IsZero() {
			t := item.UpdatedAt
			out[i].UpdatedAt = &t
		}
	}
	return out
}

func toMovementResponses(movements []domain.Movement) []movementResponse {
	out := make([]movementResponse, len(movements))
	for i, m := range movements {
		out[i] = movementResponse{
			ID:             m.ID,
			ItemKey:        m.ItemKey,
			Direction:      string(m.Direction),
			Quantity:       m.Quantity,
			QuantityBefore: m.QuantityBefore,
			QuantityAfter:  m.QuantityAfter,
			Timestamp:      m.Timestamp,
			Note:           m.Note,
			Actor:          m.Actor,
		}
	}
	return out
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "subscriptions": h.engine.Active()})
}

func (h *HTTPHandler) ListItems(c *gin.Context) {
	if !h.waitCatalog(c) {
		return
	}
	c.JSON(http.StatusOK, response{Success: true, Data: toItemResponses(h.catalog.Search(c.Query("q")))})
}

func (h *HTTPHandler) LowStock(c *gin.Context) {
	threshold := h.cfg.LowStockThreshold
	if raw := c.Query("threshold"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			h.badRequest(c, "threshold must be a non-negative integer")
			return
		}
		threshold = n
	}
	if !h.waitCatalog(c) {
		return
	}
	c.JSON(http.StatusOK, response{Success: true, Data: toItemResponses(h.catalog.LowStock(threshold))})
}

func (h *HTTPHandler) AddItem(c *gin.Context) {
	var req itemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	item := domain.Item{
		Key:       req.SKU,
		SKU:       req.SKU,
		Name:      req.Name,
		Category:  req.Category,
		Material:  req.Material,
		Location:  req.Location,
		UnitPrice: req.UnitPrice,
		Quantity:  req.Quantity,
		UpdatedBy: c.GetString(ctxDeviceID),
	}
	if err := h.items.AddItem(c.Request.Context(), item); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response{Success: true, Message: "item created", Data: gin.H{"key": item.Key}})
}

func (h *HTTPHandler) UpsertItem(c *gin.Context) {
	var req itemPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	patch := domain.ItemPatch{
		Name:      req.Name,
		Category:  req.Category,
		Material:  req.Material,
		Location:  req.Location,
		UnitPrice: req.UnitPrice,
		Quantity:  req.Quantity,
		Actor:     c.GetString(ctxDeviceID),
	}
	if err := h.items.UpsertItem(c.Request.Context(), c.Param("key"), patch); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response{Success: true, Message: "item saved"})
}

func (h *HTTPHandler) DeleteItem(c *gin.Context) {
	cascade, _ := strconv.ParseBool(c.Query("cascade"))
	if err := h.items.DeleteItem(c.Request.Context(), c.Param("key"), cascade); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response{Success: true, Message: "item deleted"})
}

func (h *HTTPHandler) ApplyMovement(c *gin.Context) {
	var req movementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	direction, err := domain.ParseMovementDirection(req.Direction)
	if err != nil {
		h.fail(c, err)
		return
	}

	id, err := h.ledger.Apply(c.Request.Context(), service.ApplyRequest{
		ItemKey:        c.Param("key"),
		Direction:      direction,
		Quantity:       req.Quantity,
		Note:           req.Note,
		Actor:          c.GetString(ctxDeviceID),
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response{Success: true, Message: "movement recorded", Data: gin.H{"id": id}})
}

func (h *HTTPHandler) ListMovements(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	movements, err := h.ledger.Movements(c.Request.Context(), c.Param("key"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response{Success: true, Data: toMovementResponses(movements)})
}

func (h *HTTPHandler) ListLocations(c *gin.Context) {
	locations, err := h.items.ListLocations(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]locationRequest, len(locations))
	for i, l := range locations {
		out[i] = locationRequest{Name: l.Name, Description: l.Description}
	}
	c.JSON(http.StatusOK, response{Success: true, Data: out})
}

func (h *HTTPHandler) PutLocation(c *gin.Context) {
	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	err := h.items.PutLocation(c.Request.Context(), domain.Location{Name: req.Name, Description: req.Description})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response{Success: true, Message: "location saved"})
}

func (h *HTTPHandler) DeleteLocation(c *gin.Context) {
	if err := h.items.DeleteLocation(c.Request.Context(), c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response{Success: true, Message: "location deleted"})
}

func (h *HTTPHandler) Report(c *gin.Context) {
	groupBy, err := report.ParseGroupBy(c.Query("group"))
	if err != nil {
		h.badRequest(c, err.Error())
		return
	}
	if !h.waitCatalog(c) {
		return
	}
	movements, err := h.items.AllMovements(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	filename := "inventario-" + time.Now().Format("20060102") + ".xlsx"
	c.Header("Content-Type", xlsxContentType)
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Status(http.StatusOK)
	if err := h.reports.Export(c.Writer, h.catalog.Items(), movements, groupBy); err != nil {
		h.logger.Error("report export failed", zap.Error(err))
	}
}

func (h *HTTPHandler) Ping(c *gin.Context) {
	result, err := h.diag.Ping(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response{Success: true, Data: result})
}

// waitCatalog blocks until the catalog holds its first snapshot. It
// writes the error response itself and reports false when it gives up.
func (h *HTTPHandler) waitCatalog(c *gin.Context) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.CatalogWait)
	defer cancel()
	select {
	case <-h.catalog.Ready():
		return true
	case <-ctx.Done():
		c.JSON(http.StatusServiceUnavailable, response{Message: "catalog not loaded yet"})
		return false
	}
}

func (h *HTTPHandler) badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, response{Message: message})
}

func (h *HTTPHandler) fail(c *gin.Context, err error) {
	status, _, message := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		message = err.Error()
	}
	c.JSON(status, response{Message: message})
}

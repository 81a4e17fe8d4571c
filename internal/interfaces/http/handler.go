package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/interfaces"
	"bulkmailer/internal/usecases"
)

// AccountConnector runs the mailbox consent flow. Nil when the transport needs none.
type AccountConnector interface {
	AuthURL(accountID string) string
	Exchange(ctx context.Context, accountID, code string) error
	Forget(ctx context.Context, accountID string) error
	HasToken(accountID string) bool
}

// ClientCache holds per-account transport clients.
type ClientCache interface {
	GetClient(accountID string) interfaces.Transport
	ConnectedAccounts() []string
	Disconnect(accountID string)
}

// Pacer is the per-account send throttle. Nil when pacing is off.
type Pacer interface {
	Reset(accountID string)
	GetStats() map[string]interface{}
}

type Deps struct {
	Auth       *usecases.AuthUsecase
	Identity   interfaces.Identity
	Dispatcher *usecases.Dispatcher
	Analytics  *usecases.AnalyticsUsecase
	Pool       *usecases.AccountPool
	Users      *usecases.UserQuota
	Gate       *usecases.SafetyGate
	Connector  AccountConnector
	Clients    ClientCache
	Throttle   Pacer
	Middleware *Middleware
	Log        *zap.Logger
	// AppCtx outlives requests; the dispatcher loop runs under it.
	AppCtx context.Context
}

type Handler struct {
	auth       *usecases.AuthUsecase
	identity   interfaces.Identity
	dispatcher *usecases.Dispatcher
	analytics  *usecases.AnalyticsUsecase
	log        *zap.Logger
	appCtx     context.Context
}

func NewHandler(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	appCtx := d.AppCtx
	if appCtx == nil {
		appCtx = context.Background()
	}
	return &Handler{
		auth:       d.Auth,
		identity:   d.Identity,
		dispatcher: d.Dispatcher,
		analytics:  d.Analytics,
		log:        log,
		appCtx:     appCtx,
	}
}

func SetupRoutes(r *gin.Engine, d Deps) {
	h := NewHandler(d)
	adminHandler := NewAdminHandler(d)
	middleware := d.Middleware

	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(10 << 20))
	r.Use(middleware.CORSMiddleware())

	authGroup := r.Group("/api/auth")
	{
		authGroup.POST("/login", h.Login)
		authGroup.POST("/register", h.Register)
	}
	r.GET("/api/oauth/callback", adminHandler.OAuthCallback)

	api := r.Group("/api")
	api.Use(middleware.AuthRequired())
	api.Use(middleware.RateLimitPerUser(5, 20))
	{
		api.GET("/me", h.Me)

		queue := api.Group("/queue")
		queue.GET("/stats", h.GetStats)
		queue.GET("/progress", h.GetProgress)
		queue.GET("/batches", h.ListBatches)
		queue.GET("/batches/:id", h.GetBatch)

		sender := queue.Group("")
		sender.Use(middleware.RequirePermission(entities.PermSendEmails))
		sender.POST("/batches", h.Enqueue)
		sender.DELETE("/batches/:id", h.RemoveBatch)
		sender.PUT("/batches/:id/schedule", h.RescheduleBatch)
		sender.POST("/start", h.Start)
		sender.POST("/stop", h.Stop)
		sender.POST("/pause", h.Pause)

		bulk := queue.Group("")
		bulk.Use(middleware.RequirePermission(entities.PermBulkOperations))
		bulk.POST("/clear", h.Clear)
		bulk.GET("/export", h.ExportQueue)
		bulk.POST("/import", h.ImportQueue)

		analytics := api.Group("/analytics")
		analytics.Use(middleware.RequirePermission(entities.PermViewAnalytics, entities.PermViewBasicAnalytics))
		analytics.GET("/overview", h.GetOverview)
		analytics.GET("/safety", h.GetSafety)
		analytics.GET("/timeframe/:kind", h.GetTimeframe)
	}

	admin := r.Group("/api/admin")
	admin.Use(middleware.AuthRequired())
	{
		accounts := admin.Group("/accounts")
		accounts.Use(middleware.RequirePermission(entities.PermManageAccounts))
		accounts.GET("", adminHandler.ListAccounts)
		accounts.POST("", adminHandler.CreateAccount)
		accounts.DELETE("/:id", adminHandler.DeleteAccount)
		accounts.PUT("/:id/active", adminHandler.UpdateAccountActive)
		accounts.PUT("/:id/connection", adminHandler.UpdateAccountConnection)
		accounts.PUT("/:id/limits", adminHandler.UpdateAccountLimits)
		accounts.GET("/:id/connect", adminHandler.ConnectURL)
		accounts.GET("/:id/connect/qr", adminHandler.ConnectQRCode)

		transport := admin.Group("/transport")
		transport.Use(middleware.RequirePermission(entities.PermManageAccounts))
		transport.GET("", adminHandler.GetTransport)

		users := admin.Group("/users")
		users.Use(middleware.RequirePermission(entities.PermManageUsers))
		users.GET("", adminHandler.GetAllUsers)
		users.PUT("/:id/role", adminHandler.UpdateUserRole)
		users.PUT("/:id/limits", adminHandler.UpdateUserLimits)
		users.PUT("/:id/status", adminHandler.UpdateUserStatus)
		users.DELETE("/:id", adminHandler.DeleteUser)

		system := admin.Group("")
		system.Use(middleware.RequirePermission(entities.PermSystemSettings))
		system.GET("/lock", adminHandler.GetLock)
		system.POST("/lock", adminHandler.Lock)
		system.POST("/unlock", adminHandler.Unlock)
	}
}

// writeError maps domain errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	var verr *entities.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": verr.Fields})
	case errors.Is(err, entities.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, entities.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, entities.ErrUnauthorized), errors.Is(err, entities.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, entities.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, entities.ErrDispatcherRunning),
		errors.Is(err, entities.ErrDispatcherNotRunning),
		errors.Is(err, entities.ErrBatchInProgress),
		errors.Is(err, entities.ErrAccountExists),
		errors.Is(err, entities.ErrUserExists),
		errors.Is(err, entities.ErrNotConnected):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	token, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if !ValidUsername(req.Username) || !ValidPassword(req.Password) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid username or password (min 6 chars)"})
		return
	}
	if req.Email != "" && !ValidEmail(req.Email) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid email"})
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "registered", "id": user.ID})
}

func (h *Handler) Me(c *gin.Context) {
	user, err := h.identity.CurrentUser(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, userView(*user))
}

func (h *Handler) Enqueue(c *gin.Context) {
	user, err := h.identity.CurrentUser(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	var req usecases.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	req.Subject = SanitizeString(req.Subject)
	req.Body = SanitizeString(req.Body)
	req.Campaign = TruncateString(SanitizeString(req.Campaign), MaxNameLength)

	id, err := h.dispatcher.Enqueue(c.Request.Context(), user.ID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"batch_id": id})
}

func (h *Handler) ListBatches(c *gin.Context) {
	c.JSON(http.StatusOK, h.dispatcher.Batches())
}

func (h *Handler) GetBatch(c *gin.Context) {
	b, ok := h.dispatcher.Batch(c.Param("id"))
	if !ok {
		writeError(c, entities.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, b)
}

// ownBatch loads the batch named in the path if the caller may change it:
// its owner, or anyone allowed bulk operations.
func (h *Handler) ownBatch(c *gin.Context) (entities.Batch, bool) {
	b, ok := h.dispatcher.Batch(c.Param("id"))
	if !ok {
		writeError(c, entities.ErrNotFound)
		return entities.Batch{}, false
	}
	user := currentUser(c)
	if user == nil || (b.OwnerID != user.ID && !user.HasPermission(entities.PermBulkOperations)) {
		writeError(c, entities.ErrForbidden)
		return entities.Batch{}, false
	}
	return b, true
}

func (h *Handler) RemoveBatch(c *gin.Context) {
	b, ok := h.ownBatch(c)
	if !ok {
		return
	}
	if err := h.dispatcher.RemoveBatch(c.Request.Context(), b.ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// RescheduleBatch sets or clears scheduled_at on a waiting batch.
func (h *Handler) RescheduleBatch(c *gin.Context) {
	var req struct {
		ScheduledAt *time.Time `json:"scheduled_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	b, ok := h.ownBatch(c)
	if !ok {
		return
	}
	if err := h.dispatcher.Reschedule(c.Request.Context(), b.ID, req.ScheduledAt); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rescheduled", "scheduled_at": req.ScheduledAt})
}

func (h *Handler) ExportQueue(c *gin.Context) {
	export := h.dispatcher.Export()
	name := "bulk-email-queue-" + export.ExportedAt.Format("2006-01-02") + ".json"
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.JSON(http.StatusOK, export)
}

// ImportQueue appends the pending items of an export, owned by the caller.
func (h *Handler) ImportQueue(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		writeError(c, entities.ErrUnauthorized)
		return
	}
	var in usecases.QueueExport
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	n, err := h.dispatcher.Import(c.Request.Context(), user.ID, in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "imported", "batches": n})
}

func (h *Handler) Start(c *gin.Context) {
	if err := h.dispatcher.Start(h.appCtx); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (h *Handler) Stop(c *gin.Context) {
	if err := h.dispatcher.Stop(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *Handler) Pause(c *gin.Context) {
	if err := h.dispatcher.Pause(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *Handler) Clear(c *gin.Context) {
	if err := h.dispatcher.Clear(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.dispatcher.Stats())
}

func (h *Handler) GetProgress(c *gin.Context) {
	c.JSON(http.StatusOK, h.dispatcher.Progress())
}

func userView(u entities.User) gin.H {
	return gin.H{
		"id":               u.ID,
		"username":         u.Username,
		"email":            u.Email,
		"role":             u.Role,
		"is_active":        u.IsActive,
		"daily_limit":      u.DailyLimit,
		"has_custom_limit": u.HasCustomLimit,
		"daily_usage":      u.DailyUsage,
		"created_at":       u.CreatedAt,
		"last_login":       u.LastLogin,
	}
}

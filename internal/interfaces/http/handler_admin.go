package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"bulkmailer/internal/entities"
	"bulkmailer/internal/usecases"
)

type AdminHandler struct {
	pool       *usecases.AccountPool
	users      *usecases.UserQuota
	gate       *usecases.SafetyGate
	dispatcher *usecases.Dispatcher
	connector  AccountConnector
	clients    ClientCache
	throttle   Pacer
	log        *zap.Logger
}

func NewAdminHandler(d Deps) *AdminHandler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{
		pool:       d.Pool,
		users:      d.Users,
		gate:       d.Gate,
		dispatcher: d.Dispatcher,
		connector:  d.Connector,
		clients:    d.Clients,
		throttle:   d.Throttle,
		log:        log,
	}
}

type accountView struct {
	entities.Account
	State       entities.AccountHealth `json:"health"`
	Authorized  *bool                  `json:"authorized,omitempty"` // set when the transport uses consent
	ClientReady bool                   `json:"client_ready"`
}

// ListAccounts returns all accounts in rotation order
func (h *AdminHandler) ListAccounts(c *gin.Context) {
	accounts := h.pool.List()
	out := make([]accountView, len(accounts))
	for i, a := range accounts {
		out[i] = accountView{Account: a, State: a.Health()}
		if h.connector != nil {
			authorized := h.connector.HasToken(a.ID)
			out[i].Authorized = &authorized
		}
		if h.clients != nil {
			out[i].ClientReady = h.clients.GetClient(a.ID) != nil
		}
	}
	c.JSON(http.StatusOK, out)
}

// GetTransport reports cached sending clients and pacing state.
func (h *AdminHandler) GetTransport(c *gin.Context) {
	resp := gin.H{"clients": []string{}}
	if h.clients != nil {
		if ids := h.clients.ConnectedAccounts(); ids != nil {
			resp["clients"] = ids
		}
	}
	if h.throttle != nil {
		resp["throttle"] = h.throttle.GetStats()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AdminHandler) CreateAccount(c *gin.Context) {
	var req struct {
		Email  string                   `json:"email"`
		Name   string                   `json:"name"`
		Type   string                   `json:"account_type"`
		Limits *entities.AccountProfile `json:"limits"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	t, err := entities.ParseAccountType(req.Type)
	if err != nil {
		writeError(c, err)
		return
	}
	account, err := usecases.NewAccountFromProfile(req.Email, TruncateString(SanitizeString(req.Name), MaxNameLength), t, req.Limits)
	if err != nil {
		writeError(c, err)
		return
	}
	account, err = h.pool.Add(c.Request.Context(), account)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (h *AdminHandler) DeleteAccount(c *gin.Context) {
	id := c.Param("id")
	if err := h.pool.Remove(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	if h.clients != nil {
		h.clients.Disconnect(id)
	}
	if h.throttle != nil {
		h.throttle.Reset(id)
	}
	if h.connector != nil {
		if err := h.connector.Forget(c.Request.Context(), id); err != nil {
			h.log.Warn("forget account token", zap.String("account_id", id), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (h *AdminHandler) UpdateAccountActive(c *gin.Context) {
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IsActive == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "is_active is required"})
		return
	}
	if err := h.pool.SetActive(c.Request.Context(), c.Param("id"), *req.IsActive); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "is_active": *req.IsActive})
}

func (h *AdminHandler) UpdateAccountConnection(c *gin.Context) {
	var req struct {
		Status entities.ConnectionStatus `json:"connection_status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	id := c.Param("id")
	if req.Status == entities.Connected && h.connector != nil && !h.connector.HasToken(id) {
		writeError(c, entities.ErrNotConnected)
		return
	}
	if err := h.pool.SetConnection(c.Request.Context(), id, req.Status); err != nil {
		writeError(c, err)
		return
	}
	if req.Status == entities.Disconnected && h.clients != nil {
		h.clients.Disconnect(id)
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "connection_status": req.Status})
}

func (h *AdminHandler) UpdateAccountLimits(c *gin.Context) {
	var limits entities.AccountProfile
	if err := c.ShouldBindJSON(&limits); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	id := c.Param("id")
	if err := h.pool.UpdateLimits(c.Request.Context(), id, limits); err != nil {
		writeError(c, err)
		return
	}
	if h.throttle != nil {
		h.throttle.Reset(id)
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *AdminHandler) consentURL(c *gin.Context) (string, bool) {
	if h.connector == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Transport has no consent flow"})
		return "", false
	}
	id := c.Param("id")
	if _, ok := h.pool.Get(id); !ok {
		writeError(c, entities.ErrNotFound)
		return "", false
	}
	return h.connector.AuthURL(id), true
}

func (h *AdminHandler) ConnectURL(c *gin.Context) {
	url, ok := h.consentURL(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// ConnectQRCode renders the consent URL as a PNG so it can be opened on a phone.
func (h *AdminHandler) ConnectQRCode(c *gin.Context) {
	url, ok := h.consentURL(c)
	if !ok {
		return
	}
	png, err := qrcode.Encode(url, qrcode.Medium, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate QR image"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// OAuthCallback completes the consent flow; state carries the account id.
func (h *AdminHandler) OAuthCallback(c *gin.Context) {
	if h.connector == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Transport has no consent flow"})
		return
	}
	id, code := c.Query("state"), c.Query("code")
	if id == "" || code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state and code are required"})
		return
	}
	if _, ok := h.pool.Get(id); !ok {
		writeError(c, entities.ErrNotFound)
		return
	}
	if err := h.connector.Exchange(c.Request.Context(), id, code); err != nil {
		h.log.Warn("oauth exchange failed", zap.String("account_id", id), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Token exchange failed"})
		return
	}
	if h.clients != nil {
		h.clients.Disconnect(id)
	}
	if err := h.pool.SetConnection(c.Request.Context(), id, entities.Connected); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "connected", "account_id": id})
}

// GetAllUsers returns list of all users
func (h *AdminHandler) GetAllUsers(c *gin.Context) {
	users := h.users.List()
	result := make([]gin.H, len(users))
	for i, u := range users {
		result[i] = userView(u)
	}
	c.JSON(http.StatusOK, result)
}

func (h *AdminHandler) UpdateUserRole(c *gin.Context) {
	var req struct {
		Role string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	role, err := entities.ParseRole(req.Role)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.users.SetRole(c.Request.Context(), c.Param("id"), role); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "role": role})
}

// UpdateUserLimits sets a custom daily limit; -1 restores the role default.
func (h *AdminHandler) UpdateUserLimits(c *gin.Context) {
	var req struct {
		DailyLimit *int `json:"daily_limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.DailyLimit == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "daily_limit is required"})
		return
	}
	if err := h.users.SetDailyLimit(c.Request.Context(), c.Param("id"), *req.DailyLimit); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *AdminHandler) UpdateUserStatus(c *gin.Context) {
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IsActive == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "is_active is required"})
		return
	}
	id := c.Param("id")
	if id == c.GetString("user_id") && !*req.IsActive {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot deactivate yourself"})
		return
	}
	if err := h.users.SetActive(c.Request.Context(), id, *req.IsActive); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "is_active": *req.IsActive})
}

// DeleteUser removes a user and their waiting batches. Removing yourself is refused.
func (h *AdminHandler) DeleteUser(c *gin.Context) {
	id := c.Param("id")
	if id == c.GetString("user_id") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot remove yourself"})
		return
	}
	if err := h.users.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	dropped := 0
	if h.dispatcher != nil {
		dropped = h.dispatcher.RemoveOwnerBatches(c.Request.Context(), id)
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed", "batches_removed": dropped})
}

func (h *AdminHandler) GetLock(c *gin.Context) {
	c.JSON(http.StatusOK, h.gate.State())
}

func (h *AdminHandler) Lock(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	reason := TruncateString(SanitizeString(req.Reason), MaxNameLength)
	if reason == "" {
		reason = "locked by " + c.GetString("user_id")
	}
	h.gate.LockSystem(c.Request.Context(), reason)
	c.JSON(http.StatusOK, h.gate.State())
}

func (h *AdminHandler) Unlock(c *gin.Context) {
	h.gate.UnlockSystem(c.Request.Context())
	c.JSON(http.StatusOK, h.gate.State())
}

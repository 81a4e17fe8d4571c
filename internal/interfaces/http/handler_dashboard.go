package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"bulkmailer/internal/usecases"
)

func (h *Handler) GetOverview(c *gin.Context) {
	c.JSON(http.StatusOK, h.analytics.Overview())
}

func (h *Handler) GetSafety(c *gin.Context) {
	c.JSON(http.StatusOK, h.analytics.Safety())
}

func (h *Handler) GetTimeframe(c *gin.Context) {
	report, err := h.analytics.Timeframe(usecases.Timeframe(c.Param("kind")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

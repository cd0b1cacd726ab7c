package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type deleteFileRequest struct {
	Filename string `json:"filename"`
}

type fileListRequest struct {
	Files []string `json:"files"`
}

func (h *Handler) historyPage(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}

	result, err := h.History.List(currentUserID(c), page)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"files":       result.Files,
		"page":        result.Page,
		"total_pages": result.TotalPages,
		"total":       result.Total,
	})
}

// getHistory prunes expired files before listing the survivors.
func (h *Handler) getHistory(c *gin.Context) {
	kept, _, err := h.History.Prune(currentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, kept)
}

func (h *Handler) downloadFile(c *gin.Context) {
	path, err := h.History.Path(currentUserID(c), c.Param("filename"))
	if err != nil {
		writeError(c, err)
		return
	}
	sendAttachment(c, path)
}

func (h *Handler) deleteFile(c *gin.Context) {
	var req deleteFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Filename == "" {
		c.JSON(http.StatusOK, gin.H{"success": false})
		return
	}

	deleted, err := h.History.Delete(currentUserID(c), req.Filename)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": deleted > 0})
}

func (h *Handler) deleteMultiple(c *gin.Context) {
	var req fileListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.History.Delete(currentUserID(c), req.Files...); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) downloadMultiple(c *gin.Context) {
	var req fileListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", `attachment; filename="selected_files.zip"`)
	c.Status(http.StatusOK)
	if err := h.History.WriteZip(currentUserID(c), req.Files, c.Writer); err != nil {
		h.Logger.WithField("user_id", currentUserID(c)).Errorf("stream selected files: %v", err)
		_ = c.Error(err)
	}
}

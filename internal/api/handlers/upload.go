package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/bhandras/deltarun/internal/logger"
	"github.com/bhandras/deltarun/internal/uploads"
	"github.com/gin-gonic/gin"
)

// DefaultMaxUploadSize caps a single upload request body.
const DefaultMaxUploadSize = 200 << 20

type UploadHandler struct {
	rt       Runtime
	files    *uploads.Manager
	maxBytes int64
}

func NewUploadHandler(rt Runtime, files *uploads.Manager, maxBytes int64) *UploadHandler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadSize
	}
	return &UploadHandler{rt: rt, files: files, maxBytes: maxBytes}
}

// PutFile handles PUT /upload_file
//
// The multipart form carries sessionId, widgetId and a single file. The
// response body is the id assigned to the file.
func (h *UploadHandler) PutFile(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)

	sessionID := c.PostForm("sessionId")
	widgetID := c.PostForm("widgetId")
	if sessionID == "" || widgetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId and widgetId are required"})
		return
	}
	if !h.rt.IsActiveSession(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session"})
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}

	rec, err := h.files.AddFile(c.Request.Context(), sessionID, widgetID, uploads.FileRec{
		Name: header.Filename,
		Type: header.Header.Get("Content-Type"),
		Data: data,
	})
	if err != nil {
		logger.Errorf("[uploads] session %s: add file: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
		return
	}

	c.String(http.StatusOK, strconv.FormatInt(rec.ID, 10))
}

type fileInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Size int    `json:"size"`
}

// ListFiles handles GET /upload_file/:sessionId/:widgetId
func (h *UploadHandler) ListFiles(c *gin.Context) {
	recs, err := h.files.GetAllFiles(c.Request.Context(), c.Param("sessionId"), c.Param("widgetId"))
	if err != nil {
		logger.Errorf("[uploads] session %s: list files: %v", c.Param("sessionId"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list files"})
		return
	}
	files := make([]fileInfo, 0, len(recs))
	for _, rec := range recs {
		files = append(files, fileInfo{ID: rec.ID, Name: rec.Name, Type: rec.Type, Size: rec.Size()})
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// DeleteWidgetFiles handles DELETE /upload_file/:sessionId/:widgetId
func (h *UploadHandler) DeleteWidgetFiles(c *gin.Context) {
	if err := h.files.RemoveFiles(c.Request.Context(), c.Param("sessionId"), c.Param("widgetId")); err != nil {
		logger.Errorf("[uploads] session %s: remove widget files: %v", c.Param("sessionId"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove files"})
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteFile handles DELETE /upload_file/:sessionId/:widgetId/:fileId
func (h *UploadHandler) DeleteFile(c *gin.Context) {
	fileID, err := strconv.ParseInt(c.Param("fileId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file id"})
		return
	}

	removed, err := h.files.RemoveFile(c.Request.Context(), c.Param("sessionId"), c.Param("widgetId"), fileID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove file"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

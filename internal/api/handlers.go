package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"borg/bootstrap/internal/auth"
	"borg/bootstrap/internal/client"
	"borg/bootstrap/internal/storage"

	"github.com/gin-gonic/gin"
)

// Handler contains API handlers
type Handler struct {
	storage   *storage.Storage
	accounts  auth.Accounts
	admin     Admin
	issuer    *auth.TokenIssuer
	publicURL string
	repoName  string
	logger    *slog.Logger
}

// NewHandler creates a new API handler
func NewHandler(s *storage.Storage, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		storage:   s,
		accounts:  opts.Accounts,
		admin:     opts.Admin,
		issuer:    opts.Issuer,
		publicURL: opts.PublicURL,
		repoName:  opts.RepoName,
		logger:    logger,
	}
}

// ResolveVersion tells a bootstrap client which worker archive to install.
func (h *Handler) ResolveVersion(c *gin.Context) {
	username := c.PostForm("username")
	password := c.PostForm("password")

	if !h.accounts.Verify(username, password) {
		h.logger.Warn("rejected version request", "username", username, "client_ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	ref, err := h.storage.CurrentRef()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ref == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no worker version published"})
		return
	}

	c.JSON(http.StatusOK, client.VersionRef{
		RepoURL: client.JoinURL(h.baseURL(c), h.repoName),
		RepoRef: ref,
	})
}

// DownloadArchive serves "<ref>.zip".
func (h *Handler) DownloadArchive(c *gin.Context) {
	file := c.Param("file")
	ref, ok := strings.CutSuffix(file, ".zip")
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive not found"})
		return
	}

	path, err := h.storage.ArchivePath(ref)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive not found"})
		return
	}

	c.Header("Content-Type", "application/zip")
	c.FileAttachment(path, file)
}

// LoginRequest is the admin login payload.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login issues an admin token.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.admin.PasswordHash == "" || req.Username != h.admin.Username || !auth.CheckPassword(h.admin.PasswordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	token, expires, err := h.issuer.Issue(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expires.Unix(),
	})
}

// UploadArchive stores a worker archive and, unless activate=false, makes it
// the current version.
func (h *Handler) UploadArchive(c *gin.Context) {
	ref := c.PostForm("ref")
	if !storage.ValidRef(ref) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "valid ref required"})
		return
	}

	activate := true
	if v := c.PostForm("activate"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "activate must be a boolean"})
			return
		}
		activate = parsed
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Open uploaded file
	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer src.Close()

	archive, err := h.storage.SaveArchive(ref, src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if activate {
		if err := h.storage.SetCurrentRef(ref); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	h.logger.Info("archive uploaded", "ref", ref, "size", archive.Size, "sha256", archive.SHA256, "active", activate, "by", c.GetString(subjectKey))
	c.JSON(http.StatusCreated, gin.H{
		"ref":    archive.Ref,
		"size":   archive.Size,
		"sha256": archive.SHA256,
		"active": activate,
	})
}

// ListArchives returns the stored archives.
func (h *Handler) ListArchives(c *gin.Context) {
	archives, err := h.storage.ListArchives()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	current, _ := h.storage.CurrentRef()

	c.JSON(http.StatusOK, gin.H{
		"current":  current,
		"archives": archives,
	})
}

// DeleteArchive removes a stored archive other than the current one.
func (h *Handler) DeleteArchive(c *gin.Context) {
	ref := c.Param("ref")
	if err := h.storage.DeleteArchive(ref); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "archive not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "archive deleted"})
}

// SetVersionRequest switches the published ref.
type SetVersionRequest struct {
	Ref string `json:"ref" binding:"required"`
}

// SetVersion publishes an already stored archive.
func (h *Handler) SetVersion(c *gin.Context) {
	var req SetVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.storage.SetCurrentRef(req.Ref); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "archive not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("version published", "ref", req.Ref, "by", c.GetString(subjectKey))
	c.JSON(http.StatusOK, gin.H{"ref": req.Ref})
}

// GetVersion returns the published ref.
func (h *Handler) GetVersion(c *gin.Context) {
	ref, err := h.storage.CurrentRef()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ref == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no worker version published"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ref": ref})
}

// baseURL is the configured public URL, or the one the request came in on.
func (h *Handler) baseURL(c *gin.Context) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if forwarded := c.GetHeader("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + c.Request.Host
}

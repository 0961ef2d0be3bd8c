package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"borg/bootstrap/internal/auth"
	"borg/bootstrap/internal/storage"

	"github.com/gin-gonic/gin"
)

const subjectKey = "auth_subject"

// DefaultRepoName is the repository path segment archives are served under.
const DefaultRepoName = "openbench"

// Admin is the account allowed to publish archives.
type Admin struct {
	Username     string
	PasswordHash string
}

// Options configures the version server.
type Options struct {
	// PublicURL is the externally visible base URL. Empty means the request
	// host is used.
	PublicURL string
	RepoName  string

	Accounts auth.Accounts
	Admin    Admin
	Issuer   *auth.TokenIssuer

	Logger *slog.Logger
	// AccessLog receives one line per request. Nil means stdout.
	AccessLog io.Writer
}

// Server wraps the REST API server
type Server struct {
	handler *Handler
	router  *gin.Engine
}

// NewServer creates a new API server
func NewServer(s *storage.Storage, opts Options) *Server {
	if opts.RepoName == "" {
		opts.RepoName = DefaultRepoName
	}
	handler := NewHandler(s, opts)

	accessLog := opts.AccessLog
	if accessLog == nil {
		accessLog = os.Stdout
	}

	router := gin.New()
	router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Output: accessLog,
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("[%s] %s %s %d %s %s \"%s\" %s\n",
				param.TimeStamp.Format("2006/01/02 - 15:04:05"),
				param.ClientIP,
				param.Method,
				param.StatusCode,
				param.Latency,
				param.Path,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))
	router.Use(gin.Recovery())

	// Endpoints used by bootstrap clients
	router.POST("/clientVersionRef/", handler.ResolveVersion)
	router.GET("/"+opts.RepoName+"/archive/:file", handler.DownloadArchive)

	api := router.Group("/api/v1")
	{
		api.POST("/auth/login", handler.Login)
		api.GET("/version", handler.GetVersion)

		protected := api.Group("")
		protected.Use(AuthMiddleware(opts.Issuer))
		{
			protected.PUT("/version", handler.SetVersion)
			protected.GET("/archives", handler.ListArchives)
			protected.POST("/archives", handler.UploadArchive)
			protected.DELETE("/archives/:ref", handler.DeleteArchive)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return &Server{
		handler: handler,
		router:  router,
	}
}

// AuthMiddleware requires a valid bearer token.
func AuthMiddleware(issuer *auth.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}

		subject, err := issuer.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(subjectKey, subject)
		c.Next()
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

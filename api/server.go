// Package api is a thin REST facade over the SCIM client and the
// reconciliation engine, for callers that prefer HTTP to the CLI.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jief123/aws-idc-scim/scim"
	"github.com/jief123/aws-idc-scim/sync"
)

type Server struct {
	client   *scim.Client
	engine   *sync.Engine
	resolver *sync.Resolver
	log      zerolog.Logger
}

func NewServer(client *scim.Client, log zerolog.Logger) *Server {
	return &Server{
		client:   client,
		engine:   sync.NewEngine(client, log),
		resolver: sync.NewResolver(client, log),
		log:      log,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	var r = gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	var v1 = r.Group("/v1")
	v1.GET("/users", s.listUsers)
	v1.GET("/users/:username", s.getUser)
	v1.POST("/users", s.createUser)
	v1.PUT("/users/:username", s.updateUser)
	v1.DELETE("/users/:username", s.deleteUser)

	v1.GET("/groups", s.listGroups)
	v1.POST("/groups", s.createGroup)
	v1.DELETE("/groups/:name", s.deleteGroup)
	v1.GET("/groups/:name/members", s.listMembers)
	v1.POST("/groups/:name/members", s.addMember)
	v1.DELETE("/groups/:name/members/:username", s.removeMember)

	v1.POST("/sync", s.runSync)
	return r
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var start = time.Now()
		c.Next()

		var status = c.Writer.Status()
		var event = logger.Info()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("http_request")
	}
}

// fail maps the error taxonomy onto HTTP statuses: wire errors keep their
// upstream status, validation errors are the caller's fault, anything else
// is a bad gateway.
func fail(c *gin.Context, err error) {
	var status = http.StatusBadGateway
	var se *scim.Error
	var ve *scim.ValidationError
	switch {
	case errors.As(err, &se):
		status = se.Status
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

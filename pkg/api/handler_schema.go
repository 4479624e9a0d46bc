package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleGetSchema(c *gin.Context) {
	summary, err := s.store.SchemaSummary(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handleDeleteSchema serves all three levels of schema deletion. The route
// parameters decide the scope: publisher, resource type, or single action.
func (s *Server) handleDeleteSchema(c *gin.Context) {
	publisher := c.Param("publisher")
	resourceType := c.Param("resource_type")
	action := c.Param("action")

	ctx := c.Request.Context()
	var (
		removed int64
		err     error
	)
	switch {
	case action != "":
		removed, err = s.store.DeleteSchemaAction(ctx, publisher, resourceType, action)
	case resourceType != "":
		removed, err = s.store.DeleteSchemaResourceType(ctx, publisher, resourceType)
	default:
		removed, err = s.store.DeleteSchemaPublisher(ctx, publisher)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	if removed == 0 {
		c.JSON(http.StatusNotFound, errorBody{Error: "not-found"})
		return
	}

	s.logger.Info("Schema entries removed",
		"publisher", publisher,
		"resource_type", resourceType,
		"action", action,
		"removed", removed,
	)
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

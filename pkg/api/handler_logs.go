package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleListEventLogs(c *gin.Context) {
	var resourceTypes []string
	if raw := c.Query("resource_types"); raw != "" {
		for _, rt := range strings.Split(raw, ",") {
			if rt = strings.TrimSpace(rt); rt != "" {
				resourceTypes = append(resourceTypes, rt)
			}
		}
	}

	logs, err := s.store.ListEventLogs(c.Request.Context(), resourceTypes, pageFromQuery(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_logs": logs})
}

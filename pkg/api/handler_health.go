package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

const probeTimeout = 5 * time.Second

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	failed := 0
	components := make(map[string]componentHealth, len(s.probes))
	for _, name := range sortedProbeNames(s.probes) {
		if err := s.probes[name](ctx); err != nil {
			failed++
			components[name] = componentHealth{Status: "down", Error: err.Error()}
			continue
		}
		components[name] = componentHealth{Status: "up"}
	}

	status := "up"
	code := http.StatusOK
	switch {
	case failed > 0 && failed == len(s.probes):
		status = "down"
		code = http.StatusServiceUnavailable
	case failed > 0:
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "components": components})
}

func (s *Server) handleBudget(c *gin.Context) {
	if s.budget == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, s.budget.Summarize())
}

func sortedProbeNames(probes map[string]HealthProbe) []string {
	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

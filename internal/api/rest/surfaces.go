package rest

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenScanCore/internal/surface"
	"github.com/gin-gonic/gin"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

func (s *Server) lookupSurface(c *gin.Context) (*surface.Surface, bool) {
	name := c.Param("name")
	sf, ok := s.surfaces.Surface(name)
	if !ok {
		c.JSON(http.StatusNotFound, NewErrorResponse("SURFACE_404", "Surface not found", name))
		return nil, false
	}
	return sf, true
}

// GET /api/v1/surfaces
func (s *Server) listSurfaces(c *gin.Context) {
	all := s.surfaces.Surfaces()
	snaps := make([]surface.Snapshot, 0, len(all))
	for _, sf := range all {
		snaps = append(snaps, sf.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"surfaces": snaps})
}

// GET /api/v1/surfaces/:name
func (s *Server) getSurface(c *gin.Context) {
	sf, ok := s.lookupSurface(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sf.Snapshot())
}

// POST /api/v1/surfaces/:name/commands
func (s *Server) executeCommand(c *gin.Context) {
	sf, ok := s.lookupSurface(c)
	if !ok {
		return
	}

	var cmd surface.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("SURFACE_400", "Invalid command body", err.Error()))
		return
	}

	if err := sf.Execute(c.Request.Context(), cmd); err != nil {
		abortWithError(c, "SURFACE", err)
		return
	}

	c.JSON(http.StatusOK, sf.Snapshot())
}

// GET /api/v1/surfaces/:name/events?limit=N
func (s *Server) listSurfaceEvents(c *gin.Context) {
	sf, ok := s.lookupSurface(c)
	if !ok {
		return
	}
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse("EVENTS_503", "Storage not available", nil))
		return
	}

	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventLimit {
			c.JSON(http.StatusBadRequest, NewErrorResponse("EVENTS_400", "Invalid limit",
				fmt.Sprintf("limit must be between 1 and %d", maxEventLimit)))
			return
		}
		limit = n
	}

	events, err := s.store.ListPlanEvents(c.Request.Context(), sf.Name(), limit)
	if err != nil {
		abortWithError(c, "EVENTS", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenScanCore/internal/channellist"
	"github.com/gin-gonic/gin"
)

// maxPreviewChannels caps the expanded channel preview of /scanlists/parse.
const maxPreviewChannels = 1000

type ScanListRequest struct {
	Text string `json:"text"`
}

type ParseResponse struct {
	Canonical       string   `json:"canonical"`
	Entries         int      `json:"entries"`
	Channels        uint64   `json:"channels"`
	MemoryLocations []string `json:"memory_locations,omitempty"`
	Expanded        []string `json:"expanded"`
	Truncated       bool     `json:"truncated,omitempty"`
}

// POST /api/v1/scanlists/parse
func (s *Server) parseScanList(c *gin.Context) {
	var req ScanListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("SCANLIST_400", "Invalid request body", err.Error()))
		return
	}

	list, err := channellist.Parse(req.Text)
	if err != nil {
		abortWithError(c, "SCANLIST", err)
		return
	}

	resp := ParseResponse{
		Canonical:       channellist.Format(list),
		Entries:         len(list),
		Channels:        channellist.Count(list),
		MemoryLocations: list.MemoryLocations(),
		Expanded:        []string{},
	}
	for spec := range channellist.Expand(list) {
		if len(resp.Expanded) == maxPreviewChannels {
			resp.Truncated = true
			break
		}
		resp.Expanded = append(resp.Expanded, spec.String())
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) requireStore(c *gin.Context) bool {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse("SCANLIST_503", "Storage not available", nil))
		return false
	}
	return true
}

// location accepts "M3" as well as "3" and returns the digits.
func location(c *gin.Context) (string, bool) {
	spec, err := channellist.Memory(c.Param("location"))
	if err != nil {
		abortWithError(c, "SCANLIST", err)
		return "", false
	}
	return spec.Location, true
}

// GET /api/v1/scanlists
func (s *Server) listScanLists(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	records, err := s.store.ListScanLists(c.Request.Context())
	if err != nil {
		abortWithError(c, "SCANLIST", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scan_lists": records})
}

// GET /api/v1/scanlists/:location
func (s *Server) getScanList(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	loc, ok := location(c)
	if !ok {
		return
	}
	rec, err := s.store.LoadScanList(c.Request.Context(), loc)
	if err != nil {
		abortWithError(c, "SCANLIST", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// PUT /api/v1/scanlists/:location stores the canonical form of the text.
func (s *Server) putScanList(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	loc, ok := location(c)
	if !ok {
		return
	}

	var req ScanListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("SCANLIST_400", "Invalid request body", err.Error()))
		return
	}
	list, err := channellist.Parse(req.Text)
	if err != nil {
		abortWithError(c, "SCANLIST", err)
		return
	}

	text := channellist.Format(list)
	if err := s.store.SaveScanList(c.Request.Context(), loc, text); err != nil {
		abortWithError(c, "SCANLIST", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"location": loc, "list_text": text})
}

// DELETE /api/v1/scanlists/:location
func (s *Server) deleteScanList(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	loc, ok := location(c)
	if !ok {
		return
	}
	if err := s.store.DeleteScanList(c.Request.Context(), loc); err != nil {
		abortWithError(c, "SCANLIST", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "scan list deleted"})
}

package rest

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxPlanBody = 64 << 10

// GET /api/v1/plans
func (s *Server) listPlans(c *gin.Context) {
	names, err := s.plans.List()
	if err != nil {
		abortWithError(c, "PLAN", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": names})
}

// GET /api/v1/plans/:name
func (s *Server) getPlan(c *gin.Context) {
	doc, err := s.plans.Load(c.Param("name"))
	if err != nil {
		abortWithError(c, "PLAN", err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// POST /api/v1/plans/validate checks a JSON plan document without storing it.
func (s *Server) validatePlan(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPlanBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("PLAN_400", "Failed to read body", err.Error()))
		return
	}

	doc, err := s.plans.Validator().Parse(body)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	plan, _ := doc.Plan()
	c.JSON(http.StatusOK, gin.H{
		"valid":    true,
		"document": doc,
		"plan":     plan,
	})
}

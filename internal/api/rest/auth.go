package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenScanCore/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Login request/response types
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Station Token Management
type CreateStationTokenRequest struct {
	Name string `json:"name" binding:"required"`
	Role string `json:"role"`
}

type CreateStationTokenResponse struct {
	Token string    `json:"token"` // Only returned once!
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Role  string    `json:"role"`
}

// Operator Management
type CreateOperatorRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
	Role     string `json:"role" binding:"required,oneof=observer operator admin"`
}

type UpdateOperatorRequest struct {
	Password *string `json:"password,omitempty" binding:"omitempty,min=8"`
	Role     *string `json:"role,omitempty" binding:"omitempty,oneof=observer operator admin"`
}

func clientInfo(c *gin.Context) auth.ClientInfo {
	return auth.ClientInfo{IPAddress: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
}

// Auth handlers
func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("AUTH_400", "Invalid request body", err.Error()))
		return
	}

	pair, err := s.auth.Login(c.Request.Context(), req.Username, req.Password, clientInfo(c))
	if err != nil {
		if errors.Is(err, auth.ErrAccountLocked) {
			c.JSON(http.StatusLocked, NewErrorResponse("AUTH_423", "Account locked", err.Error()))
			return
		}
		c.JSON(http.StatusUnauthorized, NewErrorResponse("AUTH_401", "Invalid credentials", nil))
		return
	}

	c.JSON(http.StatusOK, pair)
}

func (s *Server) refreshToken(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("AUTH_400", "Invalid request body", err.Error()))
		return
	}

	pair, err := s.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse("AUTH_401", "Invalid or expired refresh token", nil))
		return
	}

	c.JSON(http.StatusOK, pair)
}

func (s *Server) logout(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("AUTH_400", "Invalid request body", err.Error()))
		return
	}

	if err := s.auth.Revoke(c.Request.Context(), req.RefreshToken); err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse("AUTH_500", "Failed to logout", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "logged out successfully"})
}

func (s *Server) getCurrentPrincipal(c *gin.Context) {
	p := auth.PrincipalFrom(c)
	if p == nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse("AUTH_401", "Not authenticated", nil))
		return
	}

	if p.OperatorID == nil {
		c.JSON(http.StatusOK, gin.H{"principal": p})
		return
	}

	op, err := s.auth.GetOperator(c.Request.Context(), *p.OperatorID)
	if err != nil {
		abortWithError(c, "OPERATOR", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal": p, "operator": op})
}

// Station Token Management (Admin only)
func (s *Server) createStationToken(c *gin.Context) {
	var req CreateStationTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("TOKEN_400", "Invalid request body", err.Error()))
		return
	}

	// Stations default to operator rights
	if req.Role == "" {
		req.Role = string(auth.RoleOperator)
	}

	var createdBy *uuid.UUID
	if p := auth.PrincipalFrom(c); p != nil {
		createdBy = p.OperatorID
	}

	token, st, err := s.auth.CreateStationToken(c.Request.Context(), req.Name, auth.Role(req.Role), createdBy)
	if err != nil {
		s.logger.Error("Failed to create station token", zap.Error(err))
		abortWithError(c, "TOKEN", err)
		return
	}

	c.JSON(http.StatusCreated, CreateStationTokenResponse{
		Token: token, // Only time this is returned!
		ID:    st.ID,
		Name:  st.Name,
		Role:  st.Role,
	})
}

func (s *Server) listStationTokens(c *gin.Context) {
	tokens, err := s.auth.ListStationTokens(c.Request.Context())
	if err != nil {
		abortWithError(c, "TOKEN", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

func (s *Server) deleteStationToken(c *gin.Context) {
	tokenID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("TOKEN_400", "Invalid token ID", err.Error()))
		return
	}

	if err := s.auth.DeleteStationToken(c.Request.Context(), tokenID); err != nil {
		abortWithError(c, "TOKEN", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "token deleted"})
}

// Operator Management (Admin only)
func (s *Server) createOperator(c *gin.Context) {
	var req CreateOperatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("OPERATOR_400", "Invalid request body", err.Error()))
		return
	}

	op, err := s.auth.CreateOperator(c.Request.Context(), req.Username, req.Password, auth.Role(req.Role))
	if err != nil {
		abortWithError(c, "OPERATOR", err)
		return
	}

	c.JSON(http.StatusCreated, op)
}

func (s *Server) listOperators(c *gin.Context) {
	ops, err := s.auth.ListOperators(c.Request.Context())
	if err != nil {
		abortWithError(c, "OPERATOR", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"operators": ops})
}

func (s *Server) updateOperator(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("OPERATOR_400", "Invalid operator ID", err.Error()))
		return
	}

	var req UpdateOperatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("OPERATOR_400", "Invalid request body", err.Error()))
		return
	}

	var role *auth.Role
	if req.Role != nil {
		r := auth.Role(*req.Role)
		role = &r
	}

	if err := s.auth.UpdateOperator(c.Request.Context(), id, req.Password, role); err != nil {
		abortWithError(c, "OPERATOR", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "operator updated"})
}

func (s *Server) deleteOperator(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("OPERATOR_400", "Invalid operator ID", err.Error()))
		return
	}

	if p := auth.PrincipalFrom(c); p != nil && p.OperatorID != nil && *p.OperatorID == id {
		c.JSON(http.StatusConflict, NewErrorResponse("OPERATOR_409", "Cannot delete own account", nil))
		return
	}

	if err := s.auth.DeleteOperator(c.Request.Context(), id); err != nil {
		abortWithError(c, "OPERATOR", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "operator deleted"})
}

package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/mr-karan/pulse/internal/sqlite"
	"github.com/mr-karan/pulse/pkg/models"
)

type userRequest struct {
	Email        string              `json:"email"`
	DisplayName  string              `json:"display_name"`
	Role         models.UserRole     `json:"role"`
	Capabilities []models.Capability `json:"capabilities"`
}

func validateUserRequest(req *userRequest) string {
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return "A valid email is required"
	}
	switch req.Role {
	case "", models.UserRoleMember, models.UserRoleAdmin:
	default:
		return "Unknown role"
	}
	for _, capability := range req.Capabilities {
		switch capability {
		case models.CapabilityMonitoring, models.CapabilitySubscription:
		default:
			return "Unknown capability " + string(capability)
		}
	}
	return ""
}

func (s *Server) handleCreateUser(c *fiber.Ctx) error {
	if !actor(c).IsAdmin() {
		return SendErrorWithType(c, fiber.StatusForbidden, "Only administrators can manage users", models.PermissionErrorType)
	}

	var req userRequest
	if err := c.BodyParser(&req); err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid request body", models.ValidationErrorType)
	}
	if msg := validateUserRequest(&req); msg != "" {
		return SendErrorWithType(c, fiber.StatusBadRequest, msg, models.ValidationErrorType)
	}
	if _, err := s.db.GetUserByEmail(c.Context(), req.Email); err == nil {
		return SendErrorWithType(c, fiber.StatusConflict, "A user with this email already exists", models.ValidationErrorType)
	} else if !errors.Is(err, sqlite.ErrNotFound) {
		s.log.Error("failed to check user email", "email", req.Email, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to create user")
	}

	user := &models.User{
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		Role:         req.Role,
		Capabilities: req.Capabilities,
	}
	if err := s.db.CreateUser(c.Context(), user); err != nil {
		s.log.Error("failed to create user", "email", req.Email, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to create user")
	}
	return SendSuccess(c, fiber.StatusCreated, user)
}

func (s *Server) handleGetUser(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("userID"), 10, 64)
	if err != nil || id <= 0 {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid user ID", models.ValidationErrorType)
	}
	caller := actor(c)
	if !caller.IsAdmin() && caller.ID != models.UserID(id) {
		return SendErrorWithType(c, fiber.StatusForbidden, "Only administrators can view other users", models.PermissionErrorType)
	}

	user, err := s.db.GetUser(c.Context(), models.UserID(id))
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return SendErrorWithType(c, fiber.StatusNotFound, "User not found", models.NotFoundErrorType)
		}
		s.log.Error("failed to get user", "user_id", id, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to retrieve user")
	}
	return SendSuccess(c, fiber.StatusOK, user)
}

func (s *Server) handleUpdateUser(c *fiber.Ctx) error {
	if !actor(c).IsAdmin() {
		return SendErrorWithType(c, fiber.StatusForbidden, "Only administrators can manage users", models.PermissionErrorType)
	}
	id, err := strconv.ParseInt(c.Params("userID"), 10, 64)
	if err != nil || id <= 0 {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid user ID", models.ValidationErrorType)
	}

	var req userRequest
	if err := c.BodyParser(&req); err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid request body", models.ValidationErrorType)
	}
	if msg := validateUserRequest(&req); msg != "" {
		return SendErrorWithType(c, fiber.StatusBadRequest, msg, models.ValidationErrorType)
	}

	user, err := s.db.GetUser(c.Context(), models.UserID(id))
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return SendErrorWithType(c, fiber.StatusNotFound, "User not found", models.NotFoundErrorType)
		}
		s.log.Error("failed to load user", "user_id", id, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to update user")
	}

	user.Email = req.Email
	user.DisplayName = req.DisplayName
	if req.Role != "" {
		user.Role = req.Role
	}
	user.Capabilities = req.Capabilities
	if err := s.db.UpdateUser(c.Context(), user); err != nil {
		s.log.Error("failed to update user", "user_id", id, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to update user")
	}
	return SendSuccess(c, fiber.StatusOK, user)
}

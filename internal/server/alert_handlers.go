package server

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mr-karan/pulse/internal/core"
	"github.com/mr-karan/pulse/internal/sqlite"
	"github.com/mr-karan/pulse/pkg/models"
)

const actorLocal = "actor"

// requireActor resolves the acting user from the X-Pulse-User header. The
// upstream gateway authenticates requests; this service only needs the
// resolved identity.
func (s *Server) requireActor(c *fiber.Ctx) error {
	raw := c.Get("X-Pulse-User")
	if raw == "" {
		return SendErrorWithType(c, fiber.StatusUnauthorized, "Missing X-Pulse-User header", models.PermissionErrorType)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return SendErrorWithType(c, fiber.StatusUnauthorized, "Invalid X-Pulse-User header", models.PermissionErrorType)
	}
	user, err := s.db.GetUser(c.Context(), models.UserID(id))
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return SendErrorWithType(c, fiber.StatusUnauthorized, "Unknown user", models.PermissionErrorType)
		}
		s.log.Error("failed to resolve acting user", "user_id", id, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to resolve user")
	}
	c.Locals(actorLocal, user)
	return c.Next()
}

func actor(c *fiber.Ctx) *models.User {
	user, _ := c.Locals(actorLocal).(*models.User)
	return user
}

func parseAlertID(c *fiber.Ctx) (models.AlertID, error) {
	id, err := strconv.ParseInt(c.Params("alertID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, SendErrorWithType(c, fiber.StatusBadRequest, "Invalid alert ID", models.ValidationErrorType)
	}
	return models.AlertID(id), nil
}

// sendAlertError maps service errors to HTTP responses. Permission denials
// on channel modification carry their fixed message verbatim.
func (s *Server) sendAlertError(c *fiber.Ctx, err error, action string) error {
	switch {
	case errors.Is(err, core.ErrInvalidAlertConfiguration):
		return SendErrorWithType(c, fiber.StatusBadRequest, err.Error(), models.ValidationErrorType)
	case errors.Is(err, core.ErrChannelsForbidden):
		return SendErrorWithType(c, fiber.StatusForbidden, core.ChannelPermissionMessage, models.PermissionErrorType)
	case errors.Is(err, core.ErrForbidden):
		return SendErrorWithType(c, fiber.StatusForbidden, "You do not have permission to access this alert", models.PermissionErrorType)
	case errors.Is(err, core.ErrAlertNotFound), errors.Is(err, sqlite.ErrNotFound):
		return SendErrorWithType(c, fiber.StatusNotFound, "Alert not found", models.NotFoundErrorType)
	default:
		s.log.Error("alert request failed", "action", action, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to "+action)
	}
}

func (s *Server) handleCreateAlert(c *fiber.Ctx) error {
	var req models.CreateAlertRequest
	if err := c.BodyParser(&req); err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid request body", models.ValidationErrorType)
	}

	alert, err := s.alerts.CreateAlert(c.Context(), actor(c), &req)
	if err != nil {
		return s.sendAlertError(c, err, "create alert")
	}
	return SendSuccess(c, fiber.StatusCreated, alert)
}

func (s *Server) handleListAlerts(c *fiber.Ctx) error {
	var creatorID *models.UserID
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid user_id filter", models.ValidationErrorType)
		}
		uid := models.UserID(id)
		creatorID = &uid
	}

	alerts, err := s.alerts.ListAlerts(c.Context(), actor(c), c.QueryBool("archived"), creatorID)
	if err != nil {
		return s.sendAlertError(c, err, "list alerts")
	}
	return SendSuccess(c, fiber.StatusOK, alerts)
}

func (s *Server) handleGetAlert(c *fiber.Ctx) error {
	alertID, err := parseAlertID(c)
	if err != nil {
		return err
	}

	alert, err := s.alerts.GetAlertForUser(c.Context(), actor(c), alertID)
	if err != nil {
		return s.sendAlertError(c, err, "retrieve alert")
	}
	return SendSuccess(c, fiber.StatusOK, alert)
}

func (s *Server) handleUpdateAlert(c *fiber.Ctx) error {
	alertID, err := parseAlertID(c)
	if err != nil {
		return err
	}

	var req models.UpdateAlertRequest
	if err := c.BodyParser(&req); err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid request body", models.ValidationErrorType)
	}

	updated, err := s.alerts.UpdateAlert(c.Context(), actor(c), alertID, &req)
	if err != nil {
		return s.sendAlertError(c, err, "update alert")
	}
	return SendSuccess(c, fiber.StatusOK, updated)
}

func (s *Server) handleUnsubscribe(c *fiber.Ctx) error {
	alertID, err := parseAlertID(c)
	if err != nil {
		return err
	}

	if err := s.alerts.Unsubscribe(c.Context(), actor(c), alertID); err != nil {
		return s.sendAlertError(c, err, "unsubscribe from alert")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleListAudit(c *fiber.Ctx) error {
	alertID, err := parseAlertID(c)
	if err != nil {
		return err
	}
	limit := c.QueryInt("limit", models.DefaultAuditListLimit)

	events, err := s.alerts.ListAuditForAlert(c.Context(), actor(c), alertID, limit)
	if err != nil {
		return s.sendAlertError(c, err, "list audit events")
	}
	return SendSuccess(c, fiber.StatusOK, events)
}

func (s *Server) handleListAlertsByQuery(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("queryID"), 10, 64)
	if err != nil || id <= 0 {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid query ID", models.ValidationErrorType)
	}

	alerts, err := s.alerts.ListAlertsByQuery(c.Context(), actor(c), models.QueryID(id), c.QueryBool("archived"))
	if err != nil {
		return s.sendAlertError(c, err, "list alerts for query")
	}
	return SendSuccess(c, fiber.StatusOK, alerts)
}

// handleArchiveAlertsByQuery archives every alert attached to a saved query.
// The upstream product calls this when the query itself is deleted.
func (s *Server) handleArchiveAlertsByQuery(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("queryID"), 10, 64)
	if err != nil || id <= 0 {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid query ID", models.ValidationErrorType)
	}

	archived, err := s.alerts.ArchiveAlertsForQuery(c.Context(), actor(c), models.QueryID(id))
	if err != nil {
		return s.sendAlertError(c, err, "archive alerts for query")
	}
	return SendSuccess(c, fiber.StatusOK, fiber.Map{"archived": archived})
}

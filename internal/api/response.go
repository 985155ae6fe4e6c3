package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/BTreeMap/smtre/internal/models"
)

func respond(c *gin.Context, statusCode int, response models.APIResponse) {
	c.JSON(statusCode, response)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case models.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrSettingNotFound), errors.Is(err, models.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRecordExists), errors.Is(err, models.ErrSettingInUse):
		return http.StatusConflict
	case errors.Is(err, models.ErrSettingWorkspaceMismatch), errors.Is(err, models.ErrTeamNotAllowed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Internal errors are logged
// and replaced by a generic message.
func respondError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "Server."+op+": internal error", "error", err)
		respond(c, status, models.Error("Internal server error"))
		return
	}
	slog.WarnContext(c.Request.Context(), "Server."+op+": request rejected", "status", status, "error", err)
	respond(c, status, models.Error(err.Error()))
}

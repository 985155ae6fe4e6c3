package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BTreeMap/smtre/internal/logger"
	"github.com/BTreeMap/smtre/internal/models"
	"github.com/BTreeMap/smtre/internal/reengagement"
)

type settingRequest struct {
	Name         string                 `json:"name"`
	Initial      models.StageDefinition `json:"initial"`
	Automatic    models.StageDefinition `json:"automatic"`
	Finalization models.StageDefinition `json:"finalization"`
	TeamIDs      []string               `json:"team_ids"`
}

func (r settingRequest) toSetting(workspaceID string) models.Setting {
	return models.Setting{
		WorkspaceID:  workspaceID,
		Name:         r.Name,
		Initial:      r.Initial,
		Automatic:    r.Automatic,
		Finalization: r.Finalization,
		TeamIDs:      r.TeamIDs,
	}
}

type createRecordRequest struct {
	ConversationID string `json:"conversation_id"`
	SettingID      string `json:"setting_id"`
	TeamID         string `json:"team_id"`
}

type stopRequest struct {
	ActorID string `json:"actor_id"`
}

func (s *Server) createSettingHandler(c *gin.Context) {
	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	setting, err := s.svc.CreateSetting(c.Request.Context(), req.toSetting(c.Param("workspace_id")))
	if err != nil {
		respondError(c, "createSettingHandler", err)
		return
	}
	slog.InfoContext(c.Request.Context(), "Server.createSettingHandler: setting created", "id", setting.ID, "workspaceID", setting.WorkspaceID)
	respond(c, http.StatusCreated, models.SuccessWithMessage("Setting created", setting))
}

func (s *Server) listSettingsHandler(c *gin.Context) {
	settings, err := s.svc.ListSettings(c.Request.Context(), c.Param("workspace_id"), c.Query("team_id"))
	if err != nil {
		respondError(c, "listSettingsHandler", err)
		return
	}
	if settings == nil {
		settings = []models.Setting{}
	}
	respond(c, http.StatusOK, models.Success(settings))
}

func (s *Server) getSettingHandler(c *gin.Context) {
	setting, err := s.svc.GetSetting(c.Request.Context(), c.Param("workspace_id"), c.Param("setting_id"))
	if err != nil {
		respondError(c, "getSettingHandler", err)
		return
	}
	respond(c, http.StatusOK, models.Success(setting))
}

func (s *Server) updateSettingHandler(c *gin.Context) {
	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	workspaceID := c.Param("workspace_id")
	setting, err := s.svc.UpdateSetting(c.Request.Context(), workspaceID, c.Param("setting_id"), req.toSetting(workspaceID))
	if err != nil {
		respondError(c, "updateSettingHandler", err)
		return
	}
	respond(c, http.StatusOK, models.SuccessWithMessage("Setting updated", setting))
}

func (s *Server) deleteSettingHandler(c *gin.Context) {
	if err := s.svc.DeleteSetting(c.Request.Context(), c.Param("workspace_id"), c.Param("setting_id")); err != nil {
		respondError(c, "deleteSettingHandler", err)
		return
	}
	respond(c, http.StatusOK, models.SuccessWithMessage("Setting deleted", nil))
}

func (s *Server) createRecordHandler(c *gin.Context) {
	var req createRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	ctx := logger.WithLogFields(c.Request.Context(), logger.LogFields{
		WorkspaceID:    c.Param("workspace_id"),
		ConversationID: req.ConversationID,
	})
	rec, err := s.svc.Create(ctx, reengagement.CreateRequest{
		WorkspaceID:    c.Param("workspace_id"),
		ConversationID: req.ConversationID,
		SettingID:      req.SettingID,
		TeamID:         req.TeamID,
	})
	if err != nil {
		respondError(c, "createRecordHandler", err)
		return
	}
	respond(c, http.StatusCreated, models.SuccessWithMessage("Re-engagement started", recordView(rec)))
}

func (s *Server) getRecordHandler(c *gin.Context) {
	rec, err := s.svc.FindByConversationID(c.Request.Context(), c.Param("conversation_id"))
	if err != nil {
		respondError(c, "getRecordHandler", err)
		return
	}
	if rec == nil || rec.WorkspaceID != c.Param("workspace_id") {
		respondError(c, "getRecordHandler", models.ErrRecordNotFound)
		return
	}
	respond(c, http.StatusOK, models.Success(recordView(rec)))
}

func (s *Server) stopRecordHandler(c *gin.Context) {
	var req stopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond(c, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}
	conversationID := c.Param("conversation_id")
	existing, err := s.svc.FindByConversationID(c.Request.Context(), conversationID)
	if err != nil {
		respondError(c, "stopRecordHandler", err)
		return
	}
	if existing == nil || existing.WorkspaceID != c.Param("workspace_id") {
		respondError(c, "stopRecordHandler", models.ErrRecordNotFound)
		return
	}

	var actorID *string
	if actor := strings.TrimSpace(req.ActorID); actor != "" {
		actorID = &actor
	}
	rec, changed, err := s.svc.Stop(c.Request.Context(), conversationID, actorID)
	if err != nil {
		respondError(c, "stopRecordHandler", err)
		return
	}
	msg := "Re-engagement stopped"
	if !changed {
		msg = "Re-engagement already stopped"
	}
	respond(c, http.StatusOK, models.SuccessWithMessage(msg, recordView(rec)))
}

func (s *Server) funnelHandler(c *gin.Context) {
	q := models.FunnelQuery{WorkspaceID: c.Param("workspace_id")}
	var err error
	if q.StartDate, err = parseDateParam(c.Query("start_date"), false); err != nil {
		respond(c, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if q.EndDate, err = parseDateParam(c.Query("end_date"), true); err != nil {
		respond(c, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	counts, err := s.svc.GetFunnelAnalytics(c.Request.Context(), q)
	if err != nil {
		respondError(c, "funnelHandler", err)
		return
	}
	respond(c, http.StatusOK, models.Success(counts))
}

// parseDateParam accepts RFC 3339 timestamps or YYYY-MM-DD dates. A date used
// as an end bound covers the whole day.
func parseDateParam(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: expected YYYY-MM-DD or RFC 3339", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

type recordResponse struct {
	*models.Record
	State models.RecordState `json:"state"`
}

func recordView(rec *models.Record) recordResponse {
	return recordResponse{Record: rec, State: rec.State()}
}

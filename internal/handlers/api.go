package handlers

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/firewatch/firewatch/internal/api"
	"github.com/firewatch/firewatch/internal/audit"
	"github.com/firewatch/firewatch/internal/database"
	"github.com/firewatch/firewatch/internal/middleware"
	"github.com/firewatch/firewatch/internal/services"
)

// APIHandler handles the operator and public API endpoints
type APIHandler struct {
	db          *gorm.DB
	syncService *services.SyncService
	audit       *audit.Sink
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(db *gorm.DB, syncService *services.SyncService, sink *audit.Sink) *APIHandler {
	return &APIHandler{
		db:          db,
		syncService: syncService,
		audit:       sink,
	}
}

// SetupRoutes sets up all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agencies", h.handleListAgencies)
	mux.HandleFunc("GET /api/agencies/{uuid}", h.handleGetAgency)
	mux.HandleFunc("PUT /api/agencies/{uuid}/feed", h.handleUpdateFeed)

	mux.HandleFunc("POST /api/agencies/{uuid}/sync", h.handleTriggerSync)
	mux.HandleFunc("GET /api/agencies/{uuid}/sync-states", h.handleSyncStates)

	mux.HandleFunc("GET /api/agencies/{uuid}/incidents", h.handleActiveIncidents)
	mux.HandleFunc("GET /api/agencies/{uuid}/alerts", h.handleActiveAlerts)

	mux.HandleFunc("POST /api/agencies/{uuid}/submissions", h.handleSubmission)
	mux.HandleFunc("POST /api/incidents/{uuid}/moderate", h.handleModerate)
}

func (h *APIHandler) agencyFromPath(w http.ResponseWriter, r *http.Request) *database.Agency {
	agencyUUID := r.PathValue("uuid")
	agency, err := database.GetAgencyByUUID(h.db, agencyUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			api.RespondError(w, http.StatusNotFound, "Agency not found")
		} else {
			log.Printf("APIHandler: failed to load agency %s: %v", agencyUUID, err)
			api.RespondError(w, http.StatusInternalServerError, "Failed to load agency")
		}
		return nil
	}
	return agency
}

// handleListAgencies handles GET /api/agencies
func (h *APIHandler) handleListAgencies(w http.ResponseWriter, r *http.Request) {
	agencies, err := database.ListEnabledAgencies(h.db)
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to list agencies")
		return
	}
	api.RespondJSON(w, http.StatusOK, agencies)
}

// handleGetAgency handles GET /api/agencies/{uuid}
func (h *APIHandler) handleGetAgency(w http.ResponseWriter, r *http.Request) {
	agency := h.agencyFromPath(w, r)
	if agency == nil {
		return
	}
	api.RespondJSON(w, http.StatusOK, agency)
}

// UpdateFeedRequest is the body for PUT /api/agencies/{uuid}/feed
type UpdateFeedRequest struct {
	DispatchFeedID string `json:"dispatch_feed_id"`
	Confirm        bool   `json:"confirm"`
}

// handleUpdateFeed handles PUT /api/agencies/{uuid}/feed.
// Repointing an agency at a different upstream feed invalidates its
// existing records, so the unconfirmed call returns 409 and changes nothing.
func (h *APIHandler) handleUpdateFeed(w http.ResponseWriter, r *http.Request) {
	agency := h.agencyFromPath(w, r)
	if agency == nil {
		return
	}

	var req UpdateFeedRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DispatchFeedID == "" {
		api.RespondError(w, http.StatusBadRequest, "dispatch_feed_id is required")
		return
	}

	err := h.syncService.UpdateDispatchFeed(agency.ID, req.DispatchFeedID, req.Confirm)
	if errors.Is(err, services.ErrConfirmationRequired) {
		api.RespondErrorWithCode(w, http.StatusConflict, "confirmation_required",
			"Changing the dispatch feed archives all existing feed records; repeat with confirm=true")
		return
	}
	if err != nil {
		log.Printf("APIHandler: feed update failed for agency %s: %v", agency.Slug, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to update feed")
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// TriggerSyncRequest is the body for POST /api/agencies/{uuid}/sync
type TriggerSyncRequest struct {
	Feed  string `json:"feed"`
	Force bool   `json:"force"`
}

// handleTriggerSync handles POST /api/agencies/{uuid}/sync
func (h *APIHandler) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	agency := h.agencyFromPath(w, r)
	if agency == nil {
		return
	}

	var req TriggerSyncRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	feed := database.FeedType(req.Feed)
	if feed != database.FeedTypeDispatch && feed != database.FeedTypeWeather {
		api.RespondError(w, http.StatusBadRequest, "feed must be 'dispatch' or 'weather'")
		return
	}

	actor := middleware.GetUserFromContext(r.Context())
	if actor == "" {
		actor = "api"
	}
	h.audit.Record(agency.ID, actor, audit.ActionSyncTriggered, "agency", agency.UUID, "ok", database.JSONB{
		"feed":  string(feed),
		"force": req.Force,
	})

	result, err := h.syncService.RunSync(r.Context(), agency.ID, feed, req.Force)
	if err != nil {
		log.Printf("APIHandler: sync failed for agency %s feed %s: %v", agency.Slug, feed, err)
		api.RespondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if result.SkippedRateLimited {
		api.RespondJSON(w, http.StatusTooManyRequests, result)
		return
	}
	api.RespondJSON(w, http.StatusOK, result)
}

// handleSyncStates handles GET /api/agencies/{uuid}/sync-states
func (h *APIHandler) handleSyncStates(w http.ResponseWriter, r *http.Request) {
	agency := h.agencyFromPath(w, r)
	if agency == nil {
		return
	}

	var states []database.SyncState
	if err := h.db.Where("agency_id = ?", agency.ID).Find(&states).Error; err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to load sync states")
		return
	}
	api.RespondJSON(w, http.StatusOK, states)
}

// handleActiveIncidents handles GET /api/agencies/{uuid}/incidents
func (h *APIHandler) handleActiveIncidents(w http.ResponseWriter, r *http.Request) {
	agency := h.agencyFromPath(w, r)
	if agency == nil {
		return
	}

	incidents, err := h.syncService.ActiveIncidents(agency.ID)
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to load incidents")
		return
	}
	api.RespondJSON(w, http.StatusOK, incidents)
}

// handleActiveAlerts handles GET /api/agencies/{uuid}/alerts
func (h *APIHandler) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	agency := h.agencyFromPath(w, r)
	if agency == nil {
		return
	}

	alerts, err := h.syncService.ActiveAlerts(agency.ID)
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to load alerts")
		return
	}
	api.RespondJSON(w, http.StatusOK, alerts)
}

// SubmissionRequest is the body for POST /api/agencies/{uuid}/submissions
type SubmissionRequest struct {
	Address     string `json:"address"`
	CallType    string `json:"call_type"`
	Description string `json:"description"`
}

// handleSubmission accepts a community-submitted incident report. It enters
// the store as moderation-pending and never reaches the public surface until
// an operator approves it.
func (h *APIHandler) handleSubmission(w http.ResponseWriter, r *http.Request) {
	agency := h.agencyFromPath(w, r)
	if agency == nil {
		return
	}

	var req SubmissionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.CallType == "" {
		api.RespondError(w, http.StatusBadRequest, "address and call_type are required")
		return
	}

	incident := &database.Incident{
		UUID:              uuid.New().String(),
		AgencyID:          agency.ID,
		Source:            database.IncidentSourceUser,
		Status:            database.IncidentStatusActive,
		Moderation:        database.ModerationPending,
		CallType:          req.CallType,
		CallCategory:      database.CategorizeCallType(req.CallType),
		Address:           req.Address,
		NormalizedAddress: "",
		Description:       req.Description,
		CallReceivedAt:    time.Now(),
	}
	if err := h.db.Create(incident).Error; err != nil {
		log.Printf("APIHandler: failed to store submission for agency %s: %v", agency.Slug, err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to store submission")
		return
	}

	h.audit.Record(agency.ID, "public", audit.ActionSubmissionReceived, "incident", incident.UUID, "ok", database.JSONB{
		"call_type": req.CallType,
	})
	api.RespondJSON(w, http.StatusAccepted, incident)
}

// ModerateRequest is the body for POST /api/incidents/{uuid}/moderate
type ModerateRequest struct {
	Decision string `json:"decision"` // approve or reject
}

// handleModerate handles POST /api/incidents/{uuid}/moderate
func (h *APIHandler) handleModerate(w http.ResponseWriter, r *http.Request) {
	incidentUUID := r.PathValue("uuid")

	var incident database.Incident
	err := h.db.Where("uuid = ?", incidentUUID).First(&incident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		api.RespondError(w, http.StatusNotFound, "Incident not found")
		return
	}
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to load incident")
		return
	}
	if incident.Source != database.IncidentSourceUser {
		api.RespondError(w, http.StatusBadRequest, "Only user submissions can be moderated")
		return
	}

	var req ModerateRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var state database.ModerationState
	switch req.Decision {
	case "approve":
		state = database.ModerationApproved
	case "reject":
		state = database.ModerationRejected
	default:
		api.RespondError(w, http.StatusBadRequest, "decision must be 'approve' or 'reject'")
		return
	}

	updates := map[string]interface{}{"moderation": state}
	if state == database.ModerationApproved {
		updates["needs_update"] = true
	}
	if err := h.db.Model(&incident).Updates(updates).Error; err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to update incident")
		return
	}

	actor := middleware.GetUserFromContext(r.Context())
	h.audit.Record(incident.AgencyID, actor, audit.ActionIncidentUpdated, "incident", incident.UUID, "ok", database.JSONB{
		"moderation": req.Decision,
	})
	api.RespondJSON(w, http.StatusOK, incident)
}

package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/joshuamckenty/anthill/internal/directory"
	"github.com/joshuamckenty/anthill/internal/models"
	"github.com/joshuamckenty/anthill/internal/service"
	"github.com/joshuamckenty/anthill/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// accountIDHeader carries the caller's identity. It is established by
// the upstream session layer; this service trusts it as-is.
const accountIDHeader = "X-Account-ID"

// PeopleHandler handles HTTP requests for directory and messaging operations
type PeopleHandler struct {
	peopleService   *service.PeopleService
	defaultRadiusKm float64
	logger          *zap.Logger
}

// NewPeopleHandler creates a new people handler
func NewPeopleHandler(peopleService *service.PeopleService, defaultRadiusKm float64, logger *zap.Logger) *PeopleHandler {
	return &PeopleHandler{
		peopleService:   peopleService,
		defaultRadiusKm: defaultRadiusKm,
		logger:          logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta represents result metadata
type Meta struct {
	Total    int `json:"total,omitempty"`
	PageSize int `json:"page_size,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all people routes
func (h *PeopleHandler) RegisterRoutes(router chi.Router) {
	router.Route("/people", func(r chi.Router) {
		r.Get("/search", h.Search)
		r.Get("/fulltext", h.FullTextSearch)

		r.Get("/{accountID}", h.GetProfile)
		r.Put("/{accountID}", h.UpsertProfile)
		r.Delete("/{accountID}", h.RemoveProfile)

		r.Post("/{accountID}/contact", h.Contact)
	})
}

// Search handles structured directory searches
// @Summary Search the directory
// @Description Search profiles by role, name, skill tags, and proximity to a point
// @Tags people
// @Produce json
// @Param role query string false "Role filter (exact match)"
// @Param name query string false "Display name substring filter"
// @Param skills query string false "Comma-separated skill tags (all must match)"
// @Param lat query number false "Origin latitude (requires lon)"
// @Param lon query number false "Origin longitude (requires lat)"
// @Param radius_km query number false "Search radius in kilometers (default 50)"
// @Success 200 {object} Response
// @Router /people/search [get]
func (h *PeopleHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	q := h.searchQuery(r)
	results := h.peopleService.Search(ctx, q)

	response := successResponse(results, "Search completed")
	response.Meta = &Meta{Total: len(results)}

	h.respondWithJSON(w, http.StatusOK, response)
	h.logger.Debug("Directory search via HTTP",
		util.String("requester_id", q.RequesterID.String()),
		util.Int("results", len(results)),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Search"),
	)
}

// searchQuery builds a directory query from the request. Optional
// filters fail open: an absent or unparsable parameter disables its
// stage instead of rejecting the request.
func (h *PeopleHandler) searchQuery(r *http.Request) directory.Query {
	params := r.URL.Query()

	q := directory.Query{
		RequesterID: requesterID(r),
		Name:        strings.TrimSpace(params.Get("name")),
		Skills:      models.ParseSkills(params.Get("skills")),
	}

	if role := models.Role(strings.TrimSpace(params.Get("role"))); role.Valid() {
		q.Role = role
	}

	lat, latErr := strconv.ParseFloat(params.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(params.Get("lon"), 64)
	if latErr == nil && lonErr == nil {
		origin := models.Coordinates{Lat: lat, Lon: lon}
		if origin.Validate() == nil {
			q.Origin = &origin
			q.RadiusKm = h.defaultRadiusKm
			if radius, err := strconv.ParseFloat(params.Get("radius_km"), 64); err == nil && radius >= 0 {
				q.RadiusKm = radius
			}
		}
	}

	return q
}

// FullTextSearch handles free-text directory searches
// @Summary Full-text search
// @Description Search profiles by free text across name, about, and skills
// @Tags people
// @Produce json
// @Param q query string true "Search text"
// @Param limit query int false "Maximum results (default: 25, max: 100)"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 503 {object} Response
// @Router /people/fulltext [get]
func (h *PeopleHandler) FullTextSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	text := strings.TrimSpace(r.URL.Query().Get("q"))
	if text == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("query text is required"), "Query parameter q is required")
		return
	}

	limit := 25
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil || parsedLimit <= 0 || parsedLimit > 100 {
			h.respondWithError(w, http.StatusBadRequest, errors.New("invalid limit"), "Limit must be between 1 and 100")
			return
		}
		limit = parsedLimit
	}

	results, err := h.peopleService.FullTextSearch(ctx, text, limit)
	if err != nil {
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Full-text search failed")
		return
	}

	response := successResponse(results, "Search completed")
	response.Meta = &Meta{Total: len(results), PageSize: limit}

	h.respondWithJSON(w, http.StatusOK, response)
	h.logger.Debug("Full-text search via HTTP",
		util.Int("results", len(results)),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "FullTextSearch"),
	)
}

// GetProfile handles profile retrieval by account ID
// @Summary Get profile
// @Description Get a directory profile by account ID
// @Tags people
// @Produce json
// @Param accountID path string true "Account ID"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /people/{accountID} [get]
func (h *PeopleHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid account ID format")
		return
	}

	profile, err := h.peopleService.GetProfile(ctx, accountID)
	if err != nil {
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Failed to get profile")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(profile, "Profile retrieved successfully"))
}

// UpsertProfile handles profile creation and replacement
// @Summary Upsert profile
// @Description Create or replace the profile at the given account ID
// @Tags people
// @Accept json
// @Produce json
// @Param accountID path string true "Account ID"
// @Param request body models.Profile true "Profile"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Router /people/{accountID} [put]
func (h *PeopleHandler) UpsertProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid account ID format")
		return
	}

	var profile models.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	// The path is authoritative; an ID in the body is ignored.
	profile.AccountID = accountID

	saved, err := h.peopleService.UpsertProfile(ctx, profile)
	if err != nil {
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Failed to save profile")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(saved, "Profile saved successfully"))
	h.logger.Info("Profile upserted via HTTP",
		util.String("account_id", accountID.String()),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "UpsertProfile"),
	)
}

// RemoveProfile handles profile deletion
// @Summary Delete profile
// @Description Remove a profile from the directory
// @Tags people
// @Produce json
// @Param accountID path string true "Account ID"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /people/{accountID} [delete]
func (h *PeopleHandler) RemoveProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid account ID format")
		return
	}

	if err := h.peopleService.RemoveProfile(ctx, accountID); err != nil {
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Failed to delete profile")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Profile deleted successfully"))
	h.logger.Info("Profile deleted via HTTP",
		util.String("account_id", accountID.String()),
		util.String("method", "RemoveProfile"),
	)
}

// Contact handles member-to-member messages
// @Summary Contact a member
// @Description Send a message to the profile at the given account ID, subject to the sender's quota
// @Tags people
// @Accept json
// @Produce json
// @Param accountID path string true "Recipient account ID"
// @Param X-Account-ID header string true "Sender account ID"
// @Param request body ContactRequest true "Message"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Failure 412 {object} Response
// @Failure 429 {object} Response
// @Router /people/{accountID}/contact [post]
func (h *PeopleHandler) Contact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	recipientID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid account ID format")
		return
	}

	senderHeader := r.Header.Get(accountIDHeader)
	if senderHeader == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("sender identity required"), "X-Account-ID header is required")
		return
	}
	senderID, err := uuid.Parse(senderHeader)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid X-Account-ID header")
		return
	}

	var req ContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.peopleService.Contact(ctx, senderID, recipientID, req.Subject, req.Body)
	if err != nil {
		statusCode := h.getStatusCode(err)
		h.respondWithError(w, statusCode, err, "Failed to send message")
		return
	}

	if result.Throttled {
		w.Header().Set("Retry-After", retryAfterSeconds(result.RetryAfter))
		h.respondWithJSON(w, http.StatusTooManyRequests,
			errorResponse(errors.New("message quota exceeded"), "Send quota reached, retry later"))
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Message sent successfully"))
	h.logger.Info("Message sent via HTTP",
		util.String("sender_id", senderID.String()),
		util.String("recipient_id", recipientID.String()),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Contact"),
	)
}

// ContactRequest is the body of a contact attempt.
type ContactRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Helper Methods

// requesterID extracts the caller's account ID from the identity
// header. Anonymous or malformed callers get the nil UUID, which never
// matches a stored profile.
func requesterID(r *http.Request) uuid.UUID {
	id, err := uuid.Parse(r.Header.Get(accountIDHeader))
	if err != nil {
		return uuid.Nil
	}
	return id
}

// retryAfterSeconds renders a wait duration for the Retry-After
// header, rounded up so a caller that waits exactly that long is
// inside the next window.
func retryAfterSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// respondWithJSON sends a JSON response
func (h *PeopleHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *PeopleHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *PeopleHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidProfile):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoContactAddress):
		return http.StatusPreconditionFailed
	case errors.Is(err, service.ErrFulltextUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

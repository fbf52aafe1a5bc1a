package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/history"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type versionSummaryResponse struct {
	ID         string       `json:"id"`
	DocumentID string       `json:"document_id"`
	UserID     string       `json:"user_id"`
	UserName   string       `json:"user_name"`
	Kind       history.Kind `json:"kind"`
	Timestamp  time.Time    `json:"timestamp"`
}

type versionSnapshotResponse struct {
	DocumentID       string    `json:"document_id"`
	VersionID        string    `json:"version_id"`
	VersionTimestamp time.Time `json:"version_timestamp"`
	YjsUpdates       []string  `json:"yjs_updates"`
}

type restorePayload struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type restoreResponse struct {
	DocumentID            string    `json:"document_id"`
	RestoredFromVersionID string    `json:"restored_from_version_id"`
	RestoredAt            time.Time `json:"restored_at"`
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	limit := history.DefaultListLimit
	if rawLimit := strings.TrimSpace(c.Query("limit")); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, errorInvalidRequest, "limit must be an integer", nil)
			return
		}
		limit = history.ClampLimit(parsed)
	}
	query := history.ListQuery{DocumentID: documentID, Limit: limit, Descending: true}
	if before := strings.TrimSpace(c.Query("before")); before != "" {
		cursor, err := history.NewVersionID(before)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, errorInvalidRequest, "invalid before cursor", nil)
			return
		}
		query.Cursor = cursor
	}

	if _, err := h.documents.Get(c.Request.Context(), documentID); err != nil {
		h.respondDocumentError(c, "failed to load document", err, documentID)
		return
	}
	records, err := h.history.List(c.Request.Context(), query)
	if err != nil {
		h.respondVersionError(c, "failed to list versions", err, documentID)
		return
	}
	response := make([]versionSummaryResponse, 0, len(records))
	for _, record := range records {
		response = append(response, versionSummaryResponse{
			ID:         record.ID.String(),
			DocumentID: record.DocumentID.String(),
			UserID:     record.UserID,
			UserName:   record.UserName(),
			Kind:       record.Kind(),
			Timestamp:  record.Timestamp,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	documentID, versionID, ok := versionParams(c)
	if !ok {
		return
	}
	reconstruction, err := h.reconstructor.ReconstructUpTo(c.Request.Context(), documentID, versionID)
	if err != nil {
		h.respondVersionError(c, "failed to reconstruct version", err, documentID)
		return
	}
	updates := reconstruction.Updates
	if updates == nil {
		updates = []string{}
	}
	c.JSON(http.StatusOK, versionSnapshotResponse{
		DocumentID:       reconstruction.DocumentID.String(),
		VersionID:        reconstruction.VersionID.String(),
		VersionTimestamp: reconstruction.VersionTimestamp,
		YjsUpdates:       updates,
	})
}

func (h *httpHandler) handleRestoreVersion(c *gin.Context) {
	documentID, versionID, ok := versionParams(c)
	if !ok {
		return
	}
	var payload restorePayload
	if err := json.NewDecoder(c.Request.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		abortWithError(c, http.StatusBadRequest, errorInvalidRequest, "request body must be a json object", nil)
		return
	}

	userID := strings.TrimSpace(payload.UserID)
	userName := strings.TrimSpace(payload.UserName)
	if userID == "" {
		principal, authenticated, err := h.requestPrincipal(c)
		if err != nil {
			h.logger.Info("restore token verification failed", zap.Error(err))
			abortWithError(c, http.StatusUnauthorized, errorUnauthorized, "authentication failed", nil)
			return
		}
		userID = anonymousUser
		if authenticated {
			userID = principal.UserID
			if userName == "" {
				userName = principal.DisplayName
			}
		}
	}
	if userName == "" {
		userName = userID
	}

	outcome, err := h.history.Restore(c.Request.Context(), history.RestoreRequest{
		DocumentID:      documentID,
		TargetVersionID: versionID,
		UserID:          userID,
		UserName:        userName,
	})
	if err != nil {
		h.respondVersionError(c, "failed to restore version", err, documentID)
		return
	}
	if h.notifier != nil {
		h.notifier.NotifyRestored(outcome, userID, userName)
	}
	c.JSON(http.StatusOK, restoreResponse{
		DocumentID:            outcome.DocumentID.String(),
		RestoredFromVersionID: outcome.RestoredFromVersionID.String(),
		RestoredAt:            outcome.RestoredAt,
	})
}

// requestPrincipal verifies an optional bearer token. It reports false when no token was sent.
func (h *httpHandler) requestPrincipal(c *gin.Context) (auth.Principal, bool, error) {
	token := auth.BearerToken(c.Request)
	if token == "" || h.verifier == nil {
		return auth.Principal{}, false, nil
	}
	principal, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		return auth.Principal{}, false, err
	}
	if h.identities != nil {
		principal, err = h.identities.Resolve(c.Request.Context(), principal)
		if err != nil {
			return auth.Principal{}, false, err
		}
	}
	return principal, true, nil
}

func (h *httpHandler) respondVersionError(c *gin.Context, message string, err error, documentID documents.DocumentID) {
	switch {
	case errors.Is(err, history.ErrVersionNotFound):
		abortWithError(c, http.StatusNotFound, errorNotFound, "version not found", nil)
	case errors.Is(err, documents.ErrDocumentNotFound):
		abortWithError(c, http.StatusNotFound, errorNotFound, "document not found", nil)
	default:
		h.respondFailure(c, message, err, zap.String("document_id", documentID.String()))
	}
}

func versionParams(c *gin.Context) (documents.DocumentID, history.VersionID, bool) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return "", "", false
	}
	versionID, err := history.NewVersionID(c.Param("versionId"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, errorInvalidRequest, "invalid version id", nil)
		return "", "", false
	}
	return documentID, versionID, true
}

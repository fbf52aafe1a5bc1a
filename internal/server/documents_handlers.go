package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/documents"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createDocumentPayload struct {
	Title string `json:"title"`
}

type updateDocumentPayload struct {
	Title   *string         `json:"title"`
	Content json.RawMessage `json:"content"`
}

type documentResponse struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type documentSummaryResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newDocumentResponse(document documents.Document) documentResponse {
	return documentResponse{
		ID:        document.ID,
		Title:     document.Title,
		Content:   document.ContentOrDefault(),
		CreatedAt: document.CreatedAt(),
		UpdatedAt: document.UpdatedAt(),
	}
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, errorInvalidRequest, "request body must be a json object", nil)
		return
	}
	title, err := documents.NewTitle(request.Title)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, errorInvalidRequest, "title must be between 1 and 500 characters", nil)
		return
	}
	document, err := h.documents.Create(c.Request.Context(), title)
	if err != nil {
		h.respondFailure(c, "failed to create document", err)
		return
	}
	c.JSON(http.StatusCreated, newDocumentResponse(document))
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	records, err := h.documents.List(c.Request.Context())
	if err != nil {
		h.respondFailure(c, "failed to list documents", err)
		return
	}
	response := make([]documentSummaryResponse, 0, len(records))
	for _, document := range records {
		response = append(response, documentSummaryResponse{
			ID:        document.ID,
			Title:     document.Title,
			UpdatedAt: document.UpdatedAt(),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	document, err := h.documents.Get(c.Request.Context(), documentID)
	if err != nil {
		h.respondDocumentError(c, "failed to load document", err, documentID)
		return
	}
	c.JSON(http.StatusOK, newDocumentResponse(document))
}

func (h *httpHandler) handleUpdateDocument(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	var payload updateDocumentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		abortWithError(c, http.StatusBadRequest, errorInvalidRequest, "request body must be a json object", nil)
		return
	}
	var request documents.UpdateRequest
	if payload.Title != nil {
		title, err := documents.NewTitle(*payload.Title)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, errorInvalidRequest, "title must be between 1 and 500 characters", nil)
			return
		}
		request.Title = &title
	}
	if len(payload.Content) > 0 && string(payload.Content) != "null" {
		content, err := documents.NewContent(payload.Content)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, errorInvalidRequest, "content must be a json object", nil)
			return
		}
		request.Content = content
	}
	document, err := h.documents.Update(c.Request.Context(), documentID, request)
	if err != nil {
		h.respondDocumentError(c, "failed to update document", err, documentID)
		return
	}
	c.JSON(http.StatusOK, newDocumentResponse(document))
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	if err := h.documents.Delete(c.Request.Context(), documentID); err != nil {
		h.respondDocumentError(c, "failed to delete document", err, documentID)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondDocumentError(c *gin.Context, message string, err error, documentID documents.DocumentID) {
	if errors.Is(err, documents.ErrDocumentNotFound) {
		abortWithError(c, http.StatusNotFound, errorNotFound, "document not found", nil)
		return
	}
	h.respondFailure(c, message, err, zap.String("document_id", documentID.String()))
}

func documentIDParam(c *gin.Context) (documents.DocumentID, bool) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, errorInvalidRequest, "invalid document id", nil)
		return "", false
	}
	return documentID, true
}

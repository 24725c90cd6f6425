package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"medivoz/avatar/internal/domain"
)

// ConversationHandler exposes the conversation store over HTTP for the
// avatar client and the patient dashboard.
type ConversationHandler struct {
	store domain.ConversationStore
	log   *logrus.Entry
}

func NewConversationHandler(store domain.ConversationStore, log *logrus.Logger) *ConversationHandler {
	return &ConversationHandler{
		store: store,
		log:   log.WithField("component", "api"),
	}
}

type saveTurnRequest struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	AudioURL  string `json:"audioUrl"`
	AgentID   string `json:"agentId"`
	ChatID    string `json:"chatId"`
	UserID    *int   `json:"userId"`
	UsuarioID *int   `json:"usuarioId"`
	PatientID *int   `json:"patientId"`
	ConsultID *int   `json:"consultaId"`
	Timestamp string `json:"timestamp"`
}

// SaveTurn appends one message to its conversation, creating the aggregate
// on first write.
func (h *ConversationHandler) SaveTurn(c *gin.Context) {
	var req saveTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cuerpo JSON inválido"})
		return
	}

	role, ok := normalizeRole(req.Role)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "el campo 'role' es obligatorio y debe ser 'user' o 'agent'"})
		return
	}
	if strings.TrimSpace(req.Text) == "" && req.AudioURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "debe incluir 'text' o 'audioUrl'"})
		return
	}
	if req.AgentID == "" || req.ChatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId y chatId son obligatorios"})
		return
	}

	userID := req.UserID
	if userID == nil {
		userID = req.UsuarioID
	}

	ts := time.Now().UTC()
	if req.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			ts = parsed
		}
	}

	id, err := h.store.AppendTurn(c.Request.Context(), domain.ConversationTurn{
		Role:      role,
		Text:      req.Text,
		AudioURL:  req.AudioURL,
		AgentID:   req.AgentID,
		ChatID:    req.ChatID,
		UserID:    userID,
		PatientID: req.PatientID,
		ConsultID: req.ConsultID,
		Timestamp: ts,
	})
	if err != nil {
		h.log.WithError(err).Error("append turn failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "almacenamiento no disponible"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// GetConversation returns the full conversation for an (agentId, chatId)
// pair.
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	agentID := c.Query("agentId")
	chatID := c.Query("chatId")
	if agentID == "" || chatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId y chatId son obligatorios"})
		return
	}

	conv, err := h.store.Get(c.Request.Context(), agentID, chatID)
	if err != nil {
		h.log.WithError(err).Error("get conversation failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "almacenamiento no disponible"})
		return
	}
	if conv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversación no encontrada"})
		return
	}

	c.JSON(http.StatusOK, conv)
}

// ListByUser returns a user's conversation summaries, most recent first.
func (h *ConversationHandler) ListByUser(c *gin.Context) {
	userID, ok := pathInt(c, "userId")
	if !ok {
		return
	}

	summaries, err := h.store.ListByUser(c.Request.Context(), userID, queryLimit(c))
	if err != nil {
		h.log.WithError(err).Error("list user conversations failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "almacenamiento no disponible"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items": summaries,
		"count": len(summaries),
	})
}

// ListByPatient returns a patient's conversation summaries, most recent
// first.
func (h *ConversationHandler) ListByPatient(c *gin.Context) {
	patientID, ok := pathInt(c, "patientId")
	if !ok {
		return
	}

	summaries, err := h.store.ListByPatient(c.Request.Context(), patientID, queryLimit(c))
	if err != nil {
		h.log.WithError(err).Error("list patient conversations failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "almacenamiento no disponible"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items": summaries,
		"count": len(summaries),
	})
}

// normalizeRole maps accepted role spellings onto the stored roles. The
// provider labels agent turns "assistant".
func normalizeRole(role string) (domain.Role, bool) {
	switch role {
	case "user":
		return domain.RoleUser, true
	case "agent", "assistant":
		return domain.RoleAgent, true
	default:
		return "", false
	}
}

func pathInt(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " debe ser numérico"})
		return 0, false
	}
	return v, true
}

func queryLimit(c *gin.Context) int64 {
	limit := int64(50)
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return limit
}

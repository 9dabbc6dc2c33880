package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"chatstream/internal/app"
	"chatstream/internal/transport/http/middleware"
	"chatstream/internal/transport/http/response"
)

type ChatHandler struct {
	chatService *app.ChatService
}

type StreamMessageRequest struct {
	ConversationID uint   `json:"conversation_id" binding:"required,gt=0"`
	Content        string `json:"content" binding:"required"`
}

type PureChatRequest struct {
	Content string `json:"content" binding:"required"`
}

func NewChatHandler(chatService *app.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// StreamMessage streams one chat turn as Server-Sent Events: one data event
// per fragment, then either an error event or a done event carrying the full
// response. A failure with zero fragments emitted is always an explicit
// error event, never a silently closed stream.
func (h *ChatHandler) StreamMessage(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req StreamMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	flusher, ok := beginSSE(c)
	if !ok {
		return
	}

	result, err := h.chatService.StreamTurn(c.Request.Context(), app.StreamTurnInput{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
	}, func(fragment string) error {
		return writeSSEData(c, flusher, fragment)
	})
	if err != nil {
		writeSSEEvent(c, flusher, "error", err.Error())
		return
	}
	if result.State == app.StateCancelled {
		// Client already left; nothing to report, salvage is in flight.
		return
	}

	writeSSEEvent(c, flusher, "done", result.Content)
}

// PureChat streams a stateless reply with no persistence.
func (h *ChatHandler) PureChat(c *gin.Context) {
	var req PureChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	flusher, ok := beginSSE(c)
	if !ok {
		return
	}

	var full strings.Builder
	err := h.chatService.StreamPure(c.Request.Context(), req.Content, func(fragment string) error {
		full.WriteString(fragment)
		return writeSSEData(c, flusher, fragment)
	})
	if err != nil {
		if c.Request.Context().Err() != nil {
			return
		}
		writeSSEEvent(c, flusher, "error", err.Error())
		return
	}

	writeSSEEvent(c, flusher, "done", full.String())
}

func (h *ChatHandler) GetHistory(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	conversationIDRaw := c.Query("conversation_id")
	conversationID64, err := strconv.ParseUint(conversationIDRaw, 10, 64)
	if err != nil || conversationID64 == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid conversation_id")
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil {
			limit = parsed
		}
	}

	history, err := h.chatService.GetHistory(c.Request.Context(), userID, uint(conversationID64), limit)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrConversationNotFound):
			response.Error(c, http.StatusNotFound, response.CodeConversationNotFound, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "get history failed")
		}
		return
	}

	response.OK(c, history)
}

func beginSSE(c *gin.Context) (http.Flusher, bool) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return nil, false
	}
	return flusher, true
}

func writeSSEData(c *gin.Context, flusher http.Flusher, fragment string) error {
	if _, err := c.Writer.Write([]byte("data: " + sanitizeSSE(fragment) + "\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEEvent(c *gin.Context, flusher http.Flusher, event, data string) {
	if _, err := c.Writer.Write([]byte("event: " + event + "\ndata: " + sanitizeSSE(data) + "\n\n")); err == nil {
		flusher.Flush()
	}
}

func getUserIDFromContext(c *gin.Context) (uint, bool) {
	userIDAny, exists := c.Get(middleware.ContextUserIDKey)
	if !exists {
		return 0, false
	}
	userID, ok := userIDAny.(uint)
	return userID, ok
}

// sanitizeSSE escapes newlines so multi-line fragments cannot break the
// event framing; clients unescape on receipt.
func sanitizeSSE(input string) string {
	replaced := strings.ReplaceAll(input, "\r\n", "\\n")
	replaced = strings.ReplaceAll(replaced, "\n", "\\n")
	return replaced
}

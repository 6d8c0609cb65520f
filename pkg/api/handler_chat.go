package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-ai/parley/pkg/models"
)

// ChatResponse is returned by GET /api/v1/chats/:chatID.
type ChatResponse struct {
	Chat *models.Chat `json:"chat"`
}

// MessagesResponse is returned by GET /api/v1/chats/:chatID/messages.
type MessagesResponse struct {
	ChatID   string            `json:"chat_id"`
	Messages []*models.Message `json:"messages"`
}

// getChatHandler handles GET /api/v1/chats/:chatID.
func (s *Server) getChatHandler(c *echo.Context) error {
	chatID := c.Param("chatID")
	if chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat id is required")
	}

	chat, err := s.store.GetChat(c.Request().Context(), chatID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, &ChatResponse{Chat: chat})
}

// listMessagesHandler handles GET /api/v1/chats/:chatID/messages.
func (s *Server) listMessagesHandler(c *echo.Context) error {
	chatID := c.Param("chatID")
	if chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat id is required")
	}

	msgs, err := s.store.ListChatMessages(c.Request().Context(), chatID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, &MessagesResponse{ChatID: chatID, Messages: msgs})
}

// getMessageHandler handles GET /api/v1/chats/:chatID/messages/:messageID.
func (s *Server) getMessageHandler(c *echo.Context) error {
	chatID := c.Param("chatID")
	messageID := c.Param("messageID")
	if chatID == "" || messageID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat id and message id are required")
	}

	msg, err := s.store.GetMessage(c.Request().Context(), chatID, messageID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, msg)
}

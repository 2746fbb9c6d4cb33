package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voisinage/internal/chat"
	"github.com/voisinage/internal/middleware"
	"github.com/voisinage/internal/model"
)

// ChatHandler — HTTP-операции над беседами и сообщениями.
type ChatHandler struct {
	chat *chat.Service
}

func NewChatHandler(svc *chat.Service) *ChatHandler {
	return &ChatHandler{chat: svc}
}

type ResolveConversationRequest struct {
	PostID       string              `json:"post_id"`
	Participants []model.Participant `json:"participants"`
}

// SendMessageRequest — тело отправки. Для POST /api/messages conversation_id берётся
// из тела либо беседа разрешается по post_id и recipient.
type SendMessageRequest struct {
	ConversationID string             `json:"conversation_id"`
	PostID         string             `json:"post_id"`
	Recipient      *model.Participant `json:"recipient"`
	Type           model.MessageType  `json:"type"`
	Text           string             `json:"text"`
	MediaURL       string             `json:"media_url"`
	MediaType      string             `json:"media_type"`
	FileName       string             `json:"file_name"`
}

type MarkReadResponse struct {
	ConversationID string `json:"conversation_id"`
	Marked         int    `json:"marked"`
}

type UnreadResponse struct {
	Total int `json:"total"`
}

// ResolveConversation находит или создаёт беседу вызывающего с указанными участниками.
func (h *ChatHandler) ResolveConversation(w http.ResponseWriter, r *http.Request) {
	var req ResolveConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	me := middleware.GetParticipant(r.Context())
	participants := append([]model.Participant{me}, req.Participants...)
	conv, err := h.chat.ResolveConversation(r.Context(), strings.TrimSpace(req.PostID), participants)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := h.chat.Conversations(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ChatHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.chat.Conversation(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", chat.DefaultMessageLimit)
	if limit > chat.MaxMessageLimit {
		limit = chat.MaxMessageLimit
	}
	msgs, err := h.chat.Messages(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// SendToConversation — отправка в существующую беседу из URL.
func (h *ChatHandler) SendToConversation(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.ConversationID = chi.URLParam(r, "id")
	h.send(w, r, req)
}

// SendMessage — отправка с разрешением беседы по post_id и recipient.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	h.send(w, r, req)
}

func (h *ChatHandler) send(w http.ResponseWriter, r *http.Request, req SendMessageRequest) {
	sr := chat.SendRequest{
		ConversationID: strings.TrimSpace(req.ConversationID),
		PostID:         strings.TrimSpace(req.PostID),
		Sender:         middleware.GetParticipant(r.Context()),
		Type:           req.Type,
		Text:           req.Text,
		MediaURL:       req.MediaURL,
		MediaType:      req.MediaType,
		FileName:       req.FileName,
	}
	if req.Recipient != nil {
		sr.Recipients = []model.Participant{*req.Recipient}
	}
	res, err := h.chat.SendMessage(r.Context(), sr)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *ChatHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.chat.MarkAsRead(r.Context(), id, middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MarkReadResponse{ConversationID: id, Marked: n})
}

func (h *ChatHandler) GetUnread(w http.ResponseWriter, r *http.Request) {
	n, err := h.chat.UnreadTotal(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UnreadResponse{Total: n})
}

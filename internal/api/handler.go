package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/multichat-dev/multichat/internal/auth"
	"github.com/multichat-dev/multichat/internal/chat"
	"github.com/multichat-dev/multichat/internal/db"
	"github.com/multichat-dev/multichat/internal/llm"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Handler struct {
	chat   *chat.Orchestrator
	auth   *auth.Service
	logger *zap.Logger
}

func NewHandler(orchestrator *chat.Orchestrator, authService *auth.Service, logger *zap.Logger) *Handler {
	return &Handler{
		chat:   orchestrator,
		auth:   authService,
		logger: logger,
	}
}

// Register attaches all routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/register", h.HandleRegister)
	mux.HandleFunc("/api/auth/login", h.HandleLogin)
	mux.HandleFunc("/api/auth/logout", h.HandleLogout)
	mux.HandleFunc("/api/auth/me", h.HandleMe)
	mux.HandleFunc("/api/message", h.HandleMessage)
	mux.HandleFunc("/api/messages", h.GetMessages)
	mux.HandleFunc("/api/conversations", h.Conversations)
	mux.HandleFunc("/api/conversations/delete", h.DeleteConversation)
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type MessageRequest struct {
	ConversationID int64  `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
	ImageURL       string `json:"image_url,omitempty"`
	Model          string `json:"model,omitempty"`
}

type CreateConversationRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		http.Error(w, "Username, email and password are required", http.StatusBadRequest)
		return
	}

	user, token, err := h.auth.Register(req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUsernameTaken),
			errors.Is(err, auth.ErrEmailTaken),
			errors.Is(err, auth.ErrRegistrationClosed):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("Failed to register user", zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.setSessionCookie(w, token)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, token, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		h.logger.Error("Failed to log user in", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.setSessionCookie(w, token)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":       claims.UserID,
		"username": claims.Username,
	})
}

func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.chat.SendMessage(r.Context(), chat.SendRequest{
		UserID:         claims.UserID,
		ConversationID: req.ConversationID,
		Text:           req.Content,
		ImageURL:       req.ImageURL,
		Model:          req.Model,
	})
	if err != nil {
		h.writeChatError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	convID, err := strconv.ParseInt(r.URL.Query().Get("conversation_id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	_, messages, err := h.chat.GetConversation(convID, claims.UserID)
	if err != nil {
		h.writeChatError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		conversations, err := h.chat.ListConversations(claims.UserID)
		if err != nil {
			h.logger.Error("Failed to get conversations",
				zap.Error(err),
				zap.Int64("user_id", claims.UserID))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(conversations); err != nil {
			h.logger.Error("Failed to encode conversations", zap.Error(err))
		}

	case http.MethodPost:
		// Explicit "new conversation" action; the title stays a placeholder
		// until the first message triggers derivation.
		var req CreateConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		conversation, err := h.chat.CreateConversation(claims.UserID, req.Title, req.Model)
		if err != nil {
			h.logger.Error("Failed to create conversation", zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(conversation)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	convID, err := strconv.ParseInt(r.URL.Query().Get("conversation_id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	if err := h.chat.DeleteConversation(convID, claims.UserID); err != nil {
		h.writeChatError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// requireUser resolves the session token from the auth cookie or a bearer
// header. On failure it has already written a 401.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	token := ""
	if cookie, err := r.Cookie(auth.TokenCookie); err == nil {
		token = cookie.Value
	} else if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return nil, false
	}

	claims, err := h.auth.VerifyToken(token)
	if err != nil {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   7 * 24 * 60 * 60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// writeChatError maps orchestrator failures to status codes. Foreign-owner
// and missing conversations both come out as 404 so the wire response does
// not reveal whether the id exists.
func (h *Handler) writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		http.Error(w, "Message requires text or an image", http.StatusBadRequest)
	case errors.Is(err, chat.ErrForbidden), errors.Is(err, db.ErrNotFound):
		http.Error(w, "Conversation not found", http.StatusNotFound)
	default:
		var backendErr *llm.BackendError
		if errors.As(err, &backendErr) {
			switch backendErr.Kind {
			case llm.KindRateLimited:
				http.Error(w, backendErr.Message, http.StatusTooManyRequests)
			case llm.KindAuth, llm.KindUnavailable:
				http.Error(w, backendErr.Message, http.StatusBadGateway)
			default:
				http.Error(w, backendErr.Message, http.StatusInternalServerError)
			}
			return
		}
		h.logger.Error("Request failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

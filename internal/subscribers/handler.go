package subscribers

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"

	"github.com/bissquit/blog-digest/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

//go:embed templates/unsubscribed.html
var templatesFS embed.FS

// Response messages read by the blog frontend.
const (
	msgSubscribed        = "Successfully subscribed to the newsletter!"
	msgAlreadySubscribed = "You are already subscribed"
	msgUnsubscribed      = "Successfully unsubscribed from the newsletter"
	msgInvalidEmail      = "Invalid email address"
	msgEmailRequired     = "Email is required"
	msgRateLimited       = "Too many requests, please try again later"
)

var subscribeErrorMappings = []httputil.ErrorMapping{
	{Error: ErrInvalidEmail, Status: http.StatusBadRequest, Message: msgInvalidEmail},
}

var unsubscribeErrorMappings = []httputil.ErrorMapping{
	{Error: ErrEmailRequired, Status: http.StatusBadRequest, Message: msgEmailRequired},
}

// PageConfig holds values shown on the unsubscribe confirmation page.
type PageConfig struct {
	SiteURL  string
	ListName string
}

// Handler handles HTTP requests for the mailing list.
type Handler struct {
	service   *Service
	validator *validator.Validate
	limiter   *httputil.IPRateLimiter
	page      PageConfig
	pageTmpl  *template.Template
}

// NewHandler creates a new subscribers handler. limiter may be nil.
func NewHandler(service *Service, page PageConfig, limiter *httputil.IPRateLimiter) (*Handler, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/unsubscribed.html")
	if err != nil {
		return nil, fmt.Errorf("parse unsubscribe page: %w", err)
	}

	return &Handler{
		service:   service,
		validator: validator.New(),
		limiter:   limiter,
		page:      page,
		pageTmpl:  tmpl,
	}, nil
}

// RegisterRoutes registers public newsletter routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(httputil.RateLimitMiddleware(h.limiter, msgRateLimited)).Post("/subscribe", h.Subscribe)
	r.Get("/subscribe", h.Count)
	r.Post("/unsubscribe", h.Unsubscribe)
	r.Get("/unsubscribe", h.UnsubscribeLink)
}

// SubscribeRequest is the body of POST /subscribe.
type SubscribeRequest struct {
	Email string `json:"email" validate:"required,contains=@"`
}

// UnsubscribeRequest is the body of POST /unsubscribe.
type UnsubscribeRequest struct {
	Email string `json:"email" validate:"required"`
}

// SubscribeResponse reports whether a new subscription was recorded.
type SubscribeResponse struct {
	Message    string `json:"message"`
	Subscribed bool   `json:"subscribed"`
}

// CountResponse is the body of GET /subscribe.
type CountResponse struct {
	Count int `json:"count"`
}

// MessageResponse carries a human readable confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}

// Subscribe handles POST /subscribe.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, msgInvalidEmail)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err, msgInvalidEmail)
		return
	}

	created, err := h.service.Subscribe(r.Context(), req.Email)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, subscribeErrorMappings,
			"An error occurred while processing your request")
		return
	}

	if !created {
		httputil.JSON(w, http.StatusOK, SubscribeResponse{Message: msgAlreadySubscribed, Subscribed: false})
		return
	}
	httputil.JSON(w, http.StatusCreated, SubscribeResponse{Message: msgSubscribed, Subscribed: true})
}

// Count handles GET /subscribe.
func (h *Handler) Count(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Count(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, nil, "An error occurred")
		return
	}
	httputil.JSON(w, http.StatusOK, CountResponse{Count: n})
}

// Unsubscribe handles POST /unsubscribe.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, msgEmailRequired)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err, msgEmailRequired)
		return
	}

	if err := h.service.Unsubscribe(r.Context(), req.Email); err != nil {
		httputil.HandleError(r.Context(), w, err, unsubscribeErrorMappings,
			"An error occurred while unsubscribing")
		return
	}

	httputil.JSON(w, http.StatusOK, MessageResponse{Message: msgUnsubscribed})
}

// UnsubscribeLink handles GET /unsubscribe?email=, the link embedded in every digest.
func (h *Handler) UnsubscribeLink(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")

	if err := h.service.Unsubscribe(r.Context(), email); err != nil {
		httputil.HandleTextError(r.Context(), w, err, unsubscribeErrorMappings, "An error occurred")
		return
	}

	var buf bytes.Buffer
	if err := h.pageTmpl.Execute(&buf, h.page); err != nil {
		httputil.HandleTextError(r.Context(), w, fmt.Errorf("render unsubscribe page: %w", err), nil, "An error occurred")
		return
	}
	httputil.HTML(w, http.StatusOK, buf.Bytes())
}

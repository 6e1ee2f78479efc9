// Package handler contains the HTTP layer: request parsing, response
// writing, and nothing else. Business rules live in internal/service.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sakif/triangle-auth/internal/apperror"
	"github.com/sakif/triangle-auth/internal/auth"
	"github.com/sakif/triangle-auth/internal/service"
)

// UserHandler serves the /user routes.
//
// ROUTE MAP:
//
//	POST /user/register      → HandleRegister      (bearer token, no account yet)
//	POST /user/google-login  → HandleGoogleLogin   (ID token in the body)
//	GET  /user/profile       → HandleProfile       (protected)
//	POST /user/profile       → HandleUpdateProfile (protected)
//	POST /user/lookup        → HandleLookup        (public)
type UserHandler struct {
	identity *service.IdentityService
	logger   *slog.Logger
}

// NewUserHandler creates a UserHandler. Dependencies are injected; the
// handler has no knowledge of how they're constructed.
func NewUserHandler(identity *service.IdentityService, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		identity: identity,
		logger:   logger,
	}
}

// registerRequest is the explicit-signup payload.
type registerRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password,omitempty"`
}

// googleLoginRequest carries the provider's ID token in the body — the one
// route where the credential is not an Authorization header, because the
// frontend calls it straight out of the provider's sign-in callback.
type googleLoginRequest struct {
	IDToken string `json:"idToken"`
}

type lookupRequest struct {
	Username string `json:"username"`
}

// HandleRegister creates an account with a caller-chosen username.
//
// HTTP: POST /user/register
//
// The request must carry a valid bearer token, but this route is NOT behind
// the auth guard: the guard requires a local record, and at registration
// time the subject doesn't have one yet. So the token is verified here,
// manually, and the verified subject — never anything from the request body
// — becomes the new row's subject_id.
func (h *UserHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	claims, err := h.identity.VerifyBearer(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid request body"))
		return
	}

	user, err := h.identity.Register(r.Context(), claims.Subject, service.RegisterInput{
		Username:    req.Username,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Password:    req.Password,
	})
	if err != nil {
		h.logger.Warn("registration failed",
			slog.String("username", req.Username),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"status": "user registered",
		"user":   user,
	})
}

// HandleGoogleLogin verifies a provider ID token and resolves it to a local
// account, creating one on first sight of the subject.
//
// HTTP: POST /user/google-login
//
// Response: {"newUser": bool, "profile": {...}} — newUser tells the
// frontend whether to route to onboarding or straight into the app.
func (h *UserHandler) HandleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	var req googleLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IDToken == "" {
		writeError(w, apperror.ValidationFailed("idToken", "idToken is required"))
		return
	}

	user, created, err := h.identity.GoogleLogin(r.Context(), req.IDToken)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"newUser": created,
		"profile": user,
	})
}

// HandleProfile returns the authenticated user's profile.
//
// HTTP: GET /user/profile
// Auth: required (RequireUser put the user in the context)
func (h *UserHandler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		// Unreachable behind RequireUser, but don't panic if wiring changes.
		writeError(w, apperror.Unauthenticated("authentication required"))
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// HandleUpdateProfile applies a partial update to the authenticated user's
// profile. Empty fields in the payload are skipped, not cleared — see
// service.UpdateProfile.
//
// HTTP: POST /user/profile
// Auth: required
func (h *UserHandler) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated("authentication required"))
		return
	}

	var upd service.ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid request body"))
		return
	}

	updated, err := h.identity.UpdateProfile(r.Context(), user, upd)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "profile updated",
		"profile": updated,
	})
}

// HandleLookup resolves a username to its account email.
//
// HTTP: POST /user/lookup
func (h *UserHandler) HandleLookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid request body"))
		return
	}

	email, err := h.identity.LookupEmail(r.Context(), req.Username)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"email": email})
}

// HandleHealth is the unauthenticated root route.
//
// HTTP: GET /
func (h *UserHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "triangle auth backend running"})
}

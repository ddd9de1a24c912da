// Package handler implements the HTTP control plane: app registration,
// unregistration, endpoint updates, and health.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/slush-dev/fcm2up/fcm"
	"github.com/slush-dev/fcm2up/internal/relay"
	"github.com/slush-dev/fcm2up/internal/store"
)

// Registry is the listener-registry surface the control plane drives.
// *relay.Manager implements it.
type Registry interface {
	Start(ctx context.Context, appID, endpoint string, creds fcm.Credentials) (string, error)
	Stop(appID string)
	Count() int
}

// Handler wires the control plane routes to the listener registry and the
// registration store.
type Handler struct {
	manager Registry
	store   store.Store
	logger  *slog.Logger
}

// New creates a Handler.
func New(manager Registry, st store.Store, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, store: st, logger: logger}
}

// Router builds the chi router for the control plane.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Post("/register", h.register)
	r.Post("/unregister", h.unregister)
	r.Put("/endpoint", h.updateEndpoint)

	return r
}

type registerRequest struct {
	AppID    string `json:"app_id"`
	Endpoint string `json:"endpoint"`
	// FCMToken is the original app's token; stored for debugging only.
	FCMToken          string `json:"fcm_token,omitempty"`
	FirebaseAppID     string `json:"firebase_app_id,omitempty"`
	FirebaseProjectID string `json:"firebase_project_id,omitempty"`
	FirebaseAPIKey    string `json:"firebase_api_key,omitempty"`
	CertSHA1          string `json:"cert_sha1,omitempty"`
	AppVersion        int    `json:"app_version,omitempty"`
	AppVersionName    string `json:"app_version_name,omitempty"`
	TargetSDK         int    `json:"target_sdk,omitempty"`
}

type registerResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	FCMToken string `json:"fcm_token,omitempty"`
}

type healthResponse struct {
	Status            string `json:"status"`
	RegisteredApps    int    `json:"registered_apps"`
	ActiveConnections int    `json:"active_connections"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	apps, err := h.store.Count(r.Context())
	if err != nil {
		h.logger.Error("counting registrations failed", "error", err)
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:            "ok",
		RegisteredApps:    apps,
		ActiveConnections: h.manager.Count(),
	})
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AppID == "" || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "app_id and endpoint are required")
		return
	}

	h.logger.Info("registration request", "app", req.AppID)

	rec, err := h.resolveRegistration(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.SaveRegistration(r.Context(), rec); err != nil {
		h.logger.Error("saving registration failed", "app", req.AppID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save registration")
		return
	}

	creds, err := relay.CredentialsFromRecord(rec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The registration is durable at this point: a failed listener start is
	// still a successful registration and will be retried at next startup.
	token, err := h.manager.Start(r.Context(), rec.AppID, rec.Endpoint, creds)
	if err != nil {
		h.logger.Error("starting listener failed", "app", req.AppID, "error", err)
		writeJSON(w, http.StatusOK, registerResponse{
			Success: true,
			Message: "registration saved; listener start failed: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{
		Success:  true,
		Message:  "registration successful",
		FCMToken: token,
	})
}

// resolveRegistration merges the request with any stored credentials:
// Firebase credentials may be omitted when re-registering a known app.
func (h *Handler) resolveRegistration(ctx context.Context, req *registerRequest) (*store.Registration, error) {
	rec := &store.Registration{
		AppID:             req.AppID,
		Endpoint:          req.Endpoint,
		FCMToken:          req.FCMToken,
		FirebaseAppID:     req.FirebaseAppID,
		FirebaseProjectID: req.FirebaseProjectID,
		FirebaseAPIKey:    req.FirebaseAPIKey,
		CertSHA1:          req.CertSHA1,
		AppVersion:        req.AppVersion,
		AppVersionName:    req.AppVersionName,
		TargetSDK:         req.TargetSDK,
	}
	if rec.FirebaseAppID != "" && rec.FirebaseProjectID != "" && rec.FirebaseAPIKey != "" {
		if _, err := fcm.SenderIDFromAppID(rec.FirebaseAppID); err != nil {
			return nil, err
		}
		return rec, nil
	}

	prev, err := h.store.GetRegistration(ctx, req.AppID)
	if err != nil {
		h.logger.Error("looking up registration failed", "app", req.AppID, "error", err)
		return nil, errMissingCredentials
	}
	if prev == nil {
		return nil, errMissingCredentials
	}

	rec.FirebaseAppID = prev.FirebaseAppID
	rec.FirebaseProjectID = prev.FirebaseProjectID
	rec.FirebaseAPIKey = prev.FirebaseAPIKey
	if rec.FCMToken == "" {
		rec.FCMToken = prev.FCMToken
	}
	if rec.CertSHA1 == "" {
		rec.CertSHA1 = prev.CertSHA1
	}
	if rec.AppVersion == 0 {
		rec.AppVersion = prev.AppVersion
	}
	if rec.AppVersionName == "" {
		rec.AppVersionName = prev.AppVersionName
	}
	if rec.TargetSDK == 0 {
		rec.TargetSDK = prev.TargetSDK
	}
	rec.CreatedAt = prev.CreatedAt
	return rec, nil
}

func (h *Handler) unregister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppID string `json:"app_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppID == "" {
		writeError(w, http.StatusBadRequest, "app_id required")
		return
	}

	h.logger.Info("unregister request", "app", req.AppID)

	h.manager.Stop(req.AppID)
	if err := h.store.Delete(r.Context(), req.AppID); err != nil {
		h.logger.Error("deleting registration failed", "app", req.AppID, "error", err)
	}

	writeJSON(w, http.StatusOK, registerResponse{Success: true, Message: "unregistered"})
}

func (h *Handler) updateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppID    string `json:"app_id"`
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppID == "" || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "app_id and endpoint required")
		return
	}

	rec, err := h.store.GetRegistration(r.Context(), req.AppID)
	if err != nil {
		h.logger.Error("looking up registration failed", "app", req.AppID, "error", err)
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not registered")
		return
	}

	if err := h.store.UpdateEndpoint(r.Context(), req.AppID, req.Endpoint); err != nil {
		h.logger.Error("updating endpoint failed", "app", req.AppID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update endpoint")
		return
	}

	// Restart the listener so forwards go to the new endpoint.
	creds, err := relay.CredentialsFromRecord(rec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := h.manager.Start(r.Context(), req.AppID, req.Endpoint, creds)
	if err != nil {
		h.logger.Error("restarting listener failed", "app", req.AppID, "error", err)
		writeJSON(w, http.StatusOK, registerResponse{
			Success: true,
			Message: "endpoint updated; listener restart failed: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{Success: true, Message: "endpoint updated", FCMToken: token})
}

var errMissingCredentials = jsonError("Firebase credentials required for first registration")

type jsonError string

func (e jsonError) Error() string { return string(e) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, registerResponse{Success: false, Message: msg})
}

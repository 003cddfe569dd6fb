// Package unseal recovers a Shamir-split master key over HTTP before tenantd
// starts serving.
//
// Operators submit their hex encoded shares one by one. Once the threshold is
// reached the master key is reconstructed, checked against existing tenant
// secrets and handed to the daemon through WaitForUnseal. Until then no
// tenant secret can be decrypted and the provisioning API is not started.
package unseal

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tenant-provisioning-backend/api"
	"github.com/ruteri/tenant-provisioning-backend/kms"
)

// VerifyFunc checks a reconstructed master key, typically by decrypting a
// stored tenant secret. Shamir cannot tell a wrong share set from a right one.
type VerifyFunc func(ctx context.Context, k *kms.SimpleKMS) error

// ShareRequest is the body of POST /unseal/share.
type ShareRequest struct {
	Share string `json:"share"`
}

// Handler collects master key shares.
type Handler struct {
	mu        sync.Mutex
	log       *slog.Logger
	threshold int
	token     []byte
	verify    VerifyFunc

	collector    *kms.ShareCollector
	kms          *kms.SimpleKMS
	completeChan chan struct{}
}

func NewHandler(threshold int, adminToken string, verify VerifyFunc, log *slog.Logger) (*Handler, error) {
	if threshold < 2 {
		return nil, errors.New("unseal threshold must be at least 2")
	}
	if len(adminToken) < 16 {
		return nil, errors.New("admin token must be at least 16 characters")
	}
	return &Handler{
		log:          log.With("component", "unseal"),
		threshold:    threshold,
		token:        []byte(adminToken),
		verify:       verify,
		collector:    kms.NewShareCollector(threshold),
		completeChan: make(chan struct{}),
	}, nil
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/unseal/status", h.handleStatus)
	r.Post("/unseal/share", h.handleSubmitShare)
}

// WaitForUnseal blocks until the master key has been recovered or ctx is
// cancelled.
func (h *Handler) WaitForUnseal(ctx context.Context) (*kms.SimpleKMS, error) {
	select {
	case <-h.completeChan:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.kms, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handler) Status() api.UnsealStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return api.UnsealStatus{
		Sealed:    h.kms == nil,
		Threshold: h.threshold,
		Received:  h.collector.Received(),
	}
}

// handleStatus reports how many shares have been received.
//
// Endpoint: GET /unseal/status
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, h.Status())
}

// handleSubmitShare accepts one share.
//
// Endpoint: POST /unseal/share
// Headers: Authorization: Bearer <admin token>
// Body: {"share": "<hex>"}
func (h *Handler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		api.WriteError(w, &api.RequestError{StatusCode: http.StatusUnauthorized, Err: errors.New("admin authorization required")})
		return
	}

	var req ShareRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		api.WriteError(w, &api.RequestError{StatusCode: http.StatusBadRequest, Err: errors.New("invalid request body")})
		return
	}
	share, err := hex.DecodeString(strings.TrimSpace(req.Share))
	if err != nil {
		api.WriteError(w, &api.RequestError{StatusCode: http.StatusBadRequest, Err: errors.New("share must be hex encoded")})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.kms != nil {
		api.WriteJSON(w, http.StatusOK, api.UnsealStatus{Sealed: false, Threshold: h.threshold})
		return
	}

	k, err := h.collector.Submit(share)
	if err != nil {
		h.log.Warn("Share rejected", "err", err)
		h.collector = kms.NewShareCollector(h.threshold)
		api.WriteError(w, &api.RequestError{StatusCode: http.StatusBadRequest, Err: err})
		return
	}
	if k == nil {
		h.log.Info("Share accepted, waiting for more shares", "received", h.collector.Received(), "threshold", h.threshold)
		api.WriteJSON(w, http.StatusAccepted, api.UnsealStatus{Sealed: true, Threshold: h.threshold, Received: h.collector.Received()})
		return
	}

	if h.verify != nil {
		if err := h.verify(r.Context(), k); err != nil {
			h.log.Error("Reconstructed master key failed verification, discarding shares", "err", err)
			h.collector = kms.NewShareCollector(h.threshold)
			api.WriteError(w, &api.RequestError{StatusCode: http.StatusUnprocessableEntity, Err: errors.New("shares do not reconstruct the master key, submit them again")})
			return
		}
	}

	h.kms = k
	close(h.completeChan)
	h.log.Info("Master key recovered")
	api.WriteJSON(w, http.StatusOK, api.UnsealStatus{Sealed: false, Threshold: h.threshold})
}

func (h *Handler) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[7:])), h.token) == 1
}

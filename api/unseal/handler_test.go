package unseal

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tenant-provisioning-backend/api"
	"github.com/ruteri/tenant-provisioning-backend/cryptoutils"
	"github.com/ruteri/tenant-provisioning-backend/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "unseal-admin-token-0123"

func splitKey(t *testing.T) ([]byte, [][]byte) {
	t.Helper()
	masterKey, err := cryptoutils.GenerateMasterKey()
	require.NoError(t, err)
	shares, err := kms.SplitMasterKey(masterKey, 3, 2)
	require.NoError(t, err)
	return masterKey, shares
}

func setup(t *testing.T, verify VerifyFunc) (*Handler, chi.Router) {
	t.Helper()
	h, err := NewHandler(2, adminToken, verify, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return h, r
}

func submit(t *testing.T, r http.Handler, token string, share []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(ShareRequest{Share: hex.EncodeToString(share)})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/unseal/share", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestUnsealWithThresholdShares(t *testing.T) {
	masterKey, shares := splitKey(t)
	h, r := setup(t, nil)

	rr := submit(t, r, adminToken, shares[0])
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, api.UnsealStatus{Sealed: true, Threshold: 2, Received: 1}, h.Status())

	// The same share twice does not count.
	require.Equal(t, http.StatusAccepted, submit(t, r, adminToken, shares[0]).Code)
	assert.Equal(t, 1, h.Status().Received)

	rr = submit(t, r, adminToken, shares[2])
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	k, err := h.WaitForUnseal(ctx)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(masterKey), k.MasterKeyHex())
	assert.False(t, h.Status().Sealed)

	statusReq := httptest.NewRequest(http.MethodGet, "/unseal/status", nil)
	statusRR := httptest.NewRecorder()
	r.ServeHTTP(statusRR, statusReq)
	require.Equal(t, http.StatusOK, statusRR.Code)
	var status api.UnsealStatus
	require.NoError(t, json.Unmarshal(statusRR.Body.Bytes(), &status))
	assert.False(t, status.Sealed)
}

func TestUnsealRequiresAdminToken(t *testing.T) {
	_, shares := splitKey(t)
	h, r := setup(t, nil)

	assert.Equal(t, http.StatusUnauthorized, submit(t, r, "", shares[0]).Code)
	assert.Equal(t, http.StatusUnauthorized, submit(t, r, "not-the-admin-token", shares[0]).Code)
	assert.Equal(t, 0, h.Status().Received)
}

func TestUnsealRejectsMalformedShare(t *testing.T) {
	_, r := setup(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/unseal/share", bytes.NewReader([]byte(`{"share":"zz"}`)))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUnsealDiscardsSharesFailingVerification(t *testing.T) {
	masterKey, shares := splitKey(t)
	_, foreign := splitKey(t)

	verify := func(ctx context.Context, k *kms.SimpleKMS) error {
		if k.MasterKeyHex() != hex.EncodeToString(masterKey) {
			return errors.New("cannot decrypt tenant secret")
		}
		return nil
	}
	h, r := setup(t, verify)

	// Shares carry their x coordinate in the last byte; pick a foreign share
	// that does not collide with shares[0] so Combine succeeds.
	var wrong []byte
	for _, s := range foreign {
		if s[len(s)-1] != shares[0][len(shares[0])-1] {
			wrong = s
			break
		}
	}

	require.Equal(t, http.StatusAccepted, submit(t, r, adminToken, shares[0]).Code)
	rr := submit(t, r, adminToken, wrong)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
	assert.True(t, h.Status().Sealed)
	assert.Equal(t, 0, h.Status().Received)

	require.Equal(t, http.StatusAccepted, submit(t, r, adminToken, shares[1]).Code)
	require.Equal(t, http.StatusOK, submit(t, r, adminToken, shares[2]).Code)

	k, err := h.WaitForUnseal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(masterKey), k.MasterKeyHex())
}

func TestWaitForUnsealHonoursContext(t *testing.T) {
	h, _ := setup(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.WaitForUnseal(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewHandlerValidation(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewHandler(1, adminToken, nil, log)
	assert.Error(t, err)
	_, err = NewHandler(2, "short", nil, log)
	assert.Error(t, err)
}

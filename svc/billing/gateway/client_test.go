package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorondv/project-management-tool-sub002/svc/billing"
	"github.com/dorondv/project-management-tool-sub002/svc/billing/gateway"
)

// newTokenServer serves the OAuth2 client-credentials token endpoint.
func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
}

func newClient(t *testing.T, apiURL, tokenURL string) *gateway.Client {
	t.Helper()
	client, err := gateway.New(context.Background(), gateway.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		APIBaseURL:   apiURL,
		TokenURL:     tokenURL,
	}, nil)
	require.NoError(t, err)
	return client
}

func TestNew_MissingCredentials(t *testing.T) {
	t.Parallel()

	_, err := gateway.New(context.Background(), gateway.Config{
		APIBaseURL: "https://billing.example.com",
		TokenURL:   "https://billing.example.com/oauth/token",
	}, nil)
	require.ErrorIs(t, err, billing.ErrCredentialsMissing)

	_, err = gateway.New(context.Background(), gateway.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURL:     "https://billing.example.com/oauth/token",
	}, nil)
	require.ErrorIs(t, err, billing.ErrCredentialsMissing)
}

func TestClient_GetSubscription(t *testing.T) {
	t.Parallel()

	tokenSrv := newTokenServer(t)
	defer tokenSrv.Close()

	trialEnd := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.Equal(t, "/v1/subscriptions/I-REMOTE1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "I-REMOTE1",
			"status":        "active",
			"plan_id":       "P-MONTHLY",
			"trial_ends_at": trialEnd,
		})
	}))
	defer api.Close()

	client := newClient(t, api.URL, tokenSrv.URL)

	remote, err := client.GetSubscription(context.Background(), "I-REMOTE1")
	require.NoError(t, err)
	assert.Equal(t, "I-REMOTE1", remote.ID)
	assert.Equal(t, billing.RemoteActive, remote.Status)
	assert.Equal(t, "P-MONTHLY", remote.PlanID)
	require.NotNil(t, remote.TrialEndsAt)
	assert.True(t, trialEnd.Equal(*remote.TrialEndsAt))
	assert.Nil(t, remote.NextBillingAt)
}

func TestClient_ErrorMapping(t *testing.T) {
	t.Parallel()

	tokenSrv := newTokenServer(t)
	t.Cleanup(tokenSrv.Close)

	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "missing remote", status: http.StatusNotFound, wantErr: billing.ErrNotFound},
		{name: "state conflict", status: http.StatusUnprocessableEntity, wantErr: billing.ErrInvalidTransition},
		{name: "bad request", status: http.StatusBadRequest, wantErr: billing.ErrInvalidTransition},
		{name: "server error", status: http.StatusInternalServerError, wantErr: billing.ErrProviderUnavailable},
		{name: "bad gateway", status: http.StatusBadGateway, wantErr: billing.ErrProviderUnavailable},
		{name: "auth rejected", status: http.StatusUnauthorized, wantErr: billing.ErrAuthFailure},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"provider says no"}`))
			}))
			defer api.Close()

			client := newClient(t, api.URL, tokenSrv.URL)
			err := client.Cancel(context.Background(), "I-REMOTE1", "testing")
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClient_NetworkFailure(t *testing.T) {
	t.Parallel()

	tokenSrv := newTokenServer(t)
	defer tokenSrv.Close()

	api := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	api.Close() // refuse connections

	client := newClient(t, api.URL, tokenSrv.URL)
	err := client.Suspend(context.Background(), "I-REMOTE1", "testing")
	require.ErrorIs(t, err, billing.ErrProviderUnavailable)
}

func TestClient_TokenFetchFailure(t *testing.T) {
	t.Parallel()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer tokenSrv.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	client := newClient(t, api.URL, tokenSrv.URL)
	err := client.Reactivate(context.Background(), "I-REMOTE1", "testing")
	require.ErrorIs(t, err, billing.ErrAuthFailure)
}

func TestClient_Refund(t *testing.T) {
	t.Parallel()

	tokenSrv := newTokenServer(t)
	defer tokenSrv.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/payments/CAP-1/refund", r.URL.Path)

		var body struct {
			Amount   int64  `json:"amount"`
			Currency string `json:"currency"`
			Reason   string `json:"reason"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(1290), body.Amount)
		assert.Equal(t, "USD", body.Currency)
		assert.Equal(t, "customer request", body.Reason)

		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	client := newClient(t, api.URL, tokenSrv.URL)
	err := client.Refund(context.Background(), "CAP-1", billing.Money{Amount: 1290, Currency: "USD"}, "customer request")
	require.NoError(t, err)
}

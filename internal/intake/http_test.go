package intake

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *fixture) {
	t.Helper()
	f := newFixture(t)
	mux := http.NewServeMux()
	NewHandler(f.service, nil).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, f
}

func post(t *testing.T, url string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWebhookAcceptedAndDuplicate(t *testing.T) {
	server, f := newTestServer(t)
	body := []byte(`{"id":"evt_1","type":"payment.succeeded","amount":1000}`)
	url := server.URL + "/webhooks/" + f.tenant.String() + "/conn_stripe"
	headers := map[string]string{headerSignature: Sign(f.secret, body)}

	resp := post(t, url, body, headers)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted webhookResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	assert.Equal(t, "accepted", accepted.Status)

	resp = post(t, url, body, headers)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var dup webhookResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dup))
	assert.Equal(t, "duplicate", dup.Status)
	assert.Equal(t, accepted.IdempotencyKey, dup.IdempotencyKey)
}

func TestWebhookSignatureFailures(t *testing.T) {
	server, f := newTestServer(t)
	body := []byte(`{"id":"evt_1","type":"payment.succeeded","amount":1000}`)
	url := server.URL + "/webhooks/" + f.tenant.String() + "/conn_stripe"

	resp := post(t, url, body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "missing signature")

	resp = post(t, url, body, map[string]string{headerSignature: Sign("bad", body)})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "forged signature")
}

func TestWebhookUnknownTargets(t *testing.T) {
	server, f := newTestServer(t)
	body := []byte(`{}`)
	sig := map[string]string{headerSignature: Sign(f.secret, body)}

	resp := post(t, server.URL+"/webhooks/not-a-uuid/conn_stripe", body, sig)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post(t, server.URL+"/webhooks/"+f.tenant.String()+"/conn_missing", body, sig)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

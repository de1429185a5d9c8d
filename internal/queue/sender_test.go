package queue

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/resilcache/internal/config"
	"github.com/l0p7/resilcache/internal/templates"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	method  string
	path    string
	body    string
	headers http.Header
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		captured = append(captured, capturedRequest{method: r.Method, path: r.URL.Path, body: string(body), headers: r.Header.Clone()})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), captured...)
	}
}

func TestHTTPSenderRendersTemplates(t *testing.T) {
	srv, requests := newCaptureServer(t, http.StatusAccepted)
	sender, err := NewHTTPSender(srv.Client(), templates.NewRenderer(), map[string]config.DestinationConfig{
		"origin": {
			URL:          srv.URL + "/sync",
			Method:       "put",
			BodyTemplate: `{"id":"{{ .ID }}","attempt":{{ add .Attempts 1 }},"data":{{ .PayloadText }}}`,
			Headers:      map[string]string{"X-Destination": "{{ .Destination | upper }}"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"origin"}, sender.Destinations())

	id := uuid.MustParse("0a8f9c52-3f44-4b6e-9a51-6f4f7d4fb001")
	err = sender.Send(context.Background(), Command{ID: id, Destination: "origin", Payload: []byte(`{"k":1}`), Attempts: 1})
	require.NoError(t, err)

	got := requests()
	require.Len(t, got, 1)
	require.Equal(t, http.MethodPut, got[0].method)
	require.Equal(t, "/sync", got[0].path)
	require.JSONEq(t, `{"id":"0a8f9c52-3f44-4b6e-9a51-6f4f7d4fb001","attempt":2,"data":{"k":1}}`, got[0].body)
	require.Equal(t, "ORIGIN", got[0].headers.Get("X-Destination"))
	require.Equal(t, id.String(), got[0].headers.Get("Idempotency-Key"))
}

func TestHTTPSenderSendsRawPayloadByDefault(t *testing.T) {
	srv, requests := newCaptureServer(t, http.StatusOK)
	sender, err := NewHTTPSender(srv.Client(), nil, map[string]config.DestinationConfig{
		"origin": {URL: srv.URL},
	})
	require.NoError(t, err)
	require.NoError(t, sender.Send(context.Background(), Command{ID: uuid.New(), Destination: "origin", Payload: []byte("raw")}))
	got := requests()
	require.Equal(t, http.MethodPost, got[0].method)
	require.Equal(t, "raw", got[0].body)
}

func TestHTTPSenderErrors(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusServiceUnavailable)
	sender, err := NewHTTPSender(srv.Client(), nil, map[string]config.DestinationConfig{
		"origin": {URL: srv.URL},
		"slow":   {URL: "http://127.0.0.1:1/unreachable", Timeout: 50 * time.Millisecond},
	})
	require.NoError(t, err)

	err = sender.Send(context.Background(), Command{ID: uuid.New(), Destination: "origin"})
	require.ErrorContains(t, err, "unexpected status 503")

	err = sender.Send(context.Background(), Command{ID: uuid.New(), Destination: "missing"})
	require.ErrorIs(t, err, ErrUnknownDestination)

	require.Error(t, sender.Send(context.Background(), Command{ID: uuid.New(), Destination: "slow"}))

	_, err = NewHTTPSender(nil, nil, map[string]config.DestinationConfig{"bad": {URL: srv.URL, BodyTemplate: "{{"}})
	require.Error(t, err)
}

func TestHTTPSenderProbe(t *testing.T) {
	srv, requests := newCaptureServer(t, http.StatusMethodNotAllowed)
	sender, err := NewHTTPSender(srv.Client(), nil, map[string]config.DestinationConfig{
		"origin": {URL: srv.URL},
		"down":   {URL: "http://127.0.0.1:1"},
	})
	require.NoError(t, err)

	require.NoError(t, sender.Probe(context.Background(), "origin"))
	require.Equal(t, http.MethodHead, requests()[0].method)
	require.Error(t, sender.Probe(context.Background(), "down"))
	require.ErrorIs(t, sender.Probe(context.Background(), "missing"), ErrUnknownDestination)
}

func TestQueueDeliversThroughHTTPSender(t *testing.T) {
	srv, requests := newCaptureServer(t, http.StatusNoContent)
	sender, err := NewHTTPSender(srv.Client(), nil, map[string]config.DestinationConfig{"origin": {URL: srv.URL}})
	require.NoError(t, err)
	q, err := Open(context.Background(), Options{Sender: sender})
	require.NoError(t, err)

	q.Enqueue(context.Background(), Command{Destination: "origin", Payload: []byte("one")})
	q.Enqueue(context.Background(), Command{Destination: "origin", Payload: []byte("two")})
	report := q.Drain(context.Background())
	require.Equal(t, 2, report.Delivered)
	got := requests()
	require.Equal(t, "one", got[0].body)
	require.Equal(t, "two", got[1].body)
}

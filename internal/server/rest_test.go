package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"askbridge/internal/protocol"
	"askbridge/internal/terminal"
	"askbridge/internal/tracker"
)

type testDaemon struct {
	server  *Server
	tracker *tracker.Tracker
	sender  *terminal.MemorySender
	http    *httptest.Server
}

func newTestDaemon(t *testing.T, token string) *testDaemon {
	t.Helper()
	trk := tracker.New(tracker.Options{})
	sender := terminal.NewMemorySender()
	srv := New(Options{
		Token:   token,
		Tracker: trk,
		Backends: []*Backend{
			{
				Name:           "claude",
				Marker:         protocol.DefaultMarker(),
				DefaultTimeout: time.Minute,
				Sender:         sender,
			},
			{
				Name:           "codex",
				Marker:         protocol.DefaultMarker(),
				DefaultTimeout: time.Minute,
			},
		},
	})
	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)
	return &testDaemon{server: srv, tracker: trk, sender: sender, http: httpServer}
}

func (daemon *testDaemon) submit(t *testing.T, body string) *http.Response {
	t.Helper()
	response, err := http.Post(daemon.http.URL+"/v1/requests", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return response
}

func decodeJSON[T any](t *testing.T, response *http.Response) T {
	t.Helper()
	defer response.Body.Close()
	var value T
	if err := json.NewDecoder(response.Body).Decode(&value); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return value
}

func TestSubmitRegistersAndSendsPrompt(t *testing.T) {
	daemon := newTestDaemon(t, "")
	response := daemon.submit(t, `{"backend":"claude","payload":"what is 2+2?"}`)
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", response.StatusCode)
	}
	submitted := decodeJSON[submitResponse](t, response)
	if submitted.RequestID == "" || submitted.Backend != "claude" {
		t.Fatalf("response = %+v", submitted)
	}

	snapshot, ok := daemon.tracker.Get(submitted.RequestID)
	if !ok || snapshot.State != tracker.StatePending {
		t.Fatalf("tracker state = %+v", snapshot)
	}

	prompts := daemon.sender.Prompts()
	if len(prompts) != 1 {
		t.Fatalf("prompts sent = %d", len(prompts))
	}
	if !bytes.Contains([]byte(prompts[0]), []byte(submitted.RequestID)) {
		t.Fatalf("prompt missing request id: %q", prompts[0])
	}
	if !bytes.Contains([]byte(prompts[0]), []byte("what is 2+2?")) {
		t.Fatalf("prompt missing payload: %q", prompts[0])
	}
}

func TestSubmitObserveOnlyBackend(t *testing.T) {
	daemon := newTestDaemon(t, "")
	response := daemon.submit(t, `{"backend":"codex","payload":"hello"}`)
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", response.StatusCode)
	}
	response.Body.Close()
	if len(daemon.sender.Prompts()) != 0 {
		t.Fatal("observe-only backend used the sender")
	}
}

func TestSubmitValidation(t *testing.T) {
	daemon := newTestDaemon(t, "")

	response := daemon.submit(t, `{"backend":"ghost","payload":"x"}`)
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown backend status = %d", response.StatusCode)
	}
	response.Body.Close()

	response = daemon.submit(t, `{"backend":"claude","payload":"  "}`)
	if response.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("empty payload status = %d", response.StatusCode)
	}
	response.Body.Close()
}

func TestGetAndCancelRequest(t *testing.T) {
	daemon := newTestDaemon(t, "")
	submitted := decodeJSON[submitResponse](t, daemon.submit(t, `{"backend":"claude","payload":"q"}`))

	response, err := http.Get(daemon.http.URL + "/v1/requests/" + submitted.RequestID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got := decodeJSON[requestResponse](t, response)
	if got.State != string(tracker.StatePending) {
		t.Fatalf("state = %s", got.State)
	}

	request, _ := http.NewRequest(http.MethodDelete, daemon.http.URL+"/v1/requests/"+submitted.RequestID, nil)
	response, err = http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("delete status = %d", response.StatusCode)
	}
	response.Body.Close()

	response, err = http.Get(daemon.http.URL + "/v1/requests/req-0-0")
	if err != nil {
		t.Fatalf("get unknown: %v", err)
	}
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown request status = %d", response.StatusCode)
	}
	response.Body.Close()
}

func TestTokenAuth(t *testing.T) {
	daemon := newTestDaemon(t, "secret")

	response, err := http.Get(daemon.http.URL + "/v1/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", response.StatusCode)
	}
	response.Body.Close()

	request, _ := http.NewRequest(http.MethodGet, daemon.http.URL+"/v1/status", nil)
	request.Header.Set("Authorization", "Bearer secret")
	response, err = http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d", response.StatusCode)
	}
	response.Body.Close()
}

func TestBackendListing(t *testing.T) {
	daemon := newTestDaemon(t, "")
	decodeJSON[submitResponse](t, daemon.submit(t, `{"backend":"claude","payload":"q"}`))

	response, err := http.Get(daemon.http.URL + "/v1/backends")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	backends := decodeJSON[[]backendSummary](t, response)
	if len(backends) != 2 {
		t.Fatalf("backends = %d", len(backends))
	}
	byName := map[string]backendSummary{}
	for _, backend := range backends {
		byName[backend.Name] = backend
	}
	if byName["claude"].Pending != 1 || !byName["claude"].CanSend {
		t.Fatalf("claude summary = %+v", byName["claude"])
	}
	if byName["codex"].CanSend {
		t.Fatalf("codex summary = %+v", byName["codex"])
	}
}

func TestStatusIncludesMetrics(t *testing.T) {
	daemon := newTestDaemon(t, "")
	response, err := http.Get(daemon.http.URL + "/v1/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	status := decodeJSON[statusResponse](t, response)
	if status.Backends != 2 {
		t.Fatalf("status = %+v", status)
	}
	if status.ServerTime.IsZero() {
		t.Fatal("server time missing")
	}
}

// Package client talks to a running askbridge daemon: submitting requests,
// polling their state, and waiting on the notification stream.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

type SubmitResult struct {
	RequestID string `json:"request_id"`
	Backend   string `json:"backend"`
}

type RequestStatus struct {
	RequestID   string     `json:"request_id"`
	Backend     string     `json:"backend"`
	State       string     `json:"state"`
	SoftMatch   bool       `json:"soft_match"`
	Result      string     `json:"result"`
	Error       string     `json:"error"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at"`
	ElapsedMS   int64      `json:"elapsed_ms"`
}

type BackendInfo struct {
	Name      string `json:"name"`
	SessionID string `json:"session_id"`
	Offset    int64  `json:"offset"`
	Pending   int    `json:"pending"`
	MarkerTag string `json:"marker_tag"`
	CanSend   bool   `json:"can_send"`
}

// Submit posts a request and returns its id.
func Submit(client *http.Client, baseURL, token, backend, payload string, timeout time.Duration) (SubmitResult, error) {
	client = ensureClient(client)
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return SubmitResult{}, errors.New("base URL is required")
	}

	body, err := json.Marshal(map[string]any{
		"backend":         backend,
		"payload":         payload,
		"timeout_seconds": int(timeout.Seconds()),
	})
	if err != nil {
		return SubmitResult{}, err
	}
	request, err := http.NewRequest(http.MethodPost, baseURL+"/v1/requests", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("build submit request failed: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	addToken(request, token)

	response, err := client.Do(request)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit request failed: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		return SubmitResult{}, &HTTPError{StatusCode: response.StatusCode, Message: readErrorMessage(response)}
	}

	var result SubmitResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return SubmitResult{}, fmt.Errorf("decode submit response: %w", err)
	}
	return result, nil
}

// Status fetches the current state of one request.
func Status(client *http.Client, baseURL, token, requestID string) (RequestStatus, error) {
	client = ensureClient(client)
	baseURL = strings.TrimRight(baseURL, "/")
	request, err := http.NewRequest(http.MethodGet, baseURL+"/v1/requests/"+requestID, nil)
	if err != nil {
		return RequestStatus{}, fmt.Errorf("build status request failed: %w", err)
	}
	addToken(request, token)

	response, err := client.Do(request)
	if err != nil {
		return RequestStatus{}, fmt.Errorf("status request failed: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return RequestStatus{}, &HTTPError{StatusCode: response.StatusCode, Message: readErrorMessage(response)}
	}

	var status RequestStatus
	if err := json.NewDecoder(response.Body).Decode(&status); err != nil {
		return RequestStatus{}, fmt.Errorf("decode status response: %w", err)
	}
	return status, nil
}

// Cancel asks the daemon to cancel a request; the daemon applies it on the
// backend's next poll cycle.
func Cancel(client *http.Client, baseURL, token, requestID string) error {
	client = ensureClient(client)
	baseURL = strings.TrimRight(baseURL, "/")
	request, err := http.NewRequest(http.MethodDelete, baseURL+"/v1/requests/"+requestID, nil)
	if err != nil {
		return fmt.Errorf("build cancel request failed: %w", err)
	}
	addToken(request, token)

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		return &HTTPError{StatusCode: response.StatusCode, Message: readErrorMessage(response)}
	}
	return nil
}

// Backends lists the daemon's registered backends.
func Backends(client *http.Client, baseURL, token string) ([]BackendInfo, error) {
	client = ensureClient(client)
	baseURL = strings.TrimRight(baseURL, "/")
	request, err := http.NewRequest(http.MethodGet, baseURL+"/v1/backends", nil)
	if err != nil {
		return nil, fmt.Errorf("build backends request failed: %w", err)
	}
	addToken(request, token)

	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("backends request failed: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: response.StatusCode, Message: readErrorMessage(response)}
	}

	var backends []BackendInfo
	if err := json.NewDecoder(response.Body).Decode(&backends); err != nil {
		return nil, fmt.Errorf("decode backends response: %w", err)
	}
	return backends, nil
}

func ensureClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return http.DefaultClient
}

func addToken(request *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	request.Header.Set("Authorization", "Bearer "+token)
}

func readErrorMessage(response *http.Response) string {
	if response == nil {
		return "request failed"
	}
	body, _ := io.ReadAll(response.Body)
	text := strings.TrimSpace(string(body))
	if text == "" {
		return response.Status
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if strings.TrimSpace(payload.Error) != "" {
			return payload.Error
		}
	}
	return text
}

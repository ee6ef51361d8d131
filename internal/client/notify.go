package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type notificationFrame struct {
	RequestID string    `json:"request_id"`
	Backend   string    `json:"backend"`
	State     string    `json:"state"`
	SoftMatch bool      `json:"soft_match"`
	Result    string    `json:"result"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// WaitForCompletion blocks until the request reaches a terminal state,
// watching the daemon's notification stream. The stream is opened before the
// status check so a completion landing in between cannot be missed.
func WaitForCompletion(ctx context.Context, httpClient *http.Client, baseURL, token, requestID string) (RequestStatus, error) {
	conn, err := dialNotifications(ctx, baseURL, token)
	if err != nil {
		return RequestStatus{}, err
	}
	defer conn.Close()

	// Close the connection when the context ends so reads unblock.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	status, err := Status(httpClient, baseURL, token, requestID)
	if err != nil {
		return RequestStatus{}, err
	}
	if isTerminal(status.State) {
		return status, nil
	}

	for {
		var frame notificationFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return RequestStatus{}, ctx.Err()
			}
			return RequestStatus{}, fmt.Errorf("notification stream: %w", err)
		}
		if frame.RequestID != requestID {
			continue
		}
		completedAt := frame.At
		return RequestStatus{
			RequestID:   frame.RequestID,
			Backend:     frame.Backend,
			State:       frame.State,
			SoftMatch:   frame.SoftMatch,
			Result:      frame.Result,
			Error:       frame.Error,
			CompletedAt: &completedAt,
		}, nil
	}
}

func dialNotifications(ctx context.Context, baseURL, token string) (*websocket.Conn, error) {
	url := websocketURL(baseURL) + "/v1/notifications"
	header := http.Header{}
	if strings.TrimSpace(token) != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial notifications: %w", err)
	}
	return conn, nil
}

func websocketURL(baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}

func isTerminal(state string) bool {
	switch state {
	case "completed", "timed_out", "failed":
		return true
	}
	return false
}

// Package notify is the outbound push boundary. Delivery is
// fire-and-forget: failures are logged by callers, never surfaced into
// booking or payment transitions.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Notifier interface {
	Notify(userID, event string, payload interface{}) error
}

// HTTPNotifier posts JSON events to a push-provider endpoint.
type HTTPNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPNotifier(endpoint, key string) *HTTPNotifier {
	return &HTTPNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (n *HTTPNotifier) Notify(userID, event string, payload interface{}) error {
	body := map[string]interface{}{"user_id": userID, "event": event, "data": payload}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, n.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Key != "" {
		req.Header.Set("Authorization", "Bearer "+n.Key)
	}
	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Nop drops every event; used when no push endpoint is configured.
type Nop struct{}

func (Nop) Notify(string, string, interface{}) error { return nil }

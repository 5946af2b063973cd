package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"grovekeeper/internal/command"
	"grovekeeper/internal/config"
	"grovekeeper/internal/domain"
	"grovekeeper/internal/engine"
)

const defaultGatewayTimeout = 5 * time.Second

// GatewayNotifier pushes outbound messages to the chat gateway over HTTP.
// Deliveries are best-effort; callers decide what a failed send means.
type GatewayNotifier struct {
	URL    string
	Secret string
	Client *http.Client
}

// NotifierFromConfig builds the notifier wired in the gateway section, or a
// no-op when no gateway URL is configured.
func NotifierFromConfig(cfg *config.Config) engine.Notifier {
	if cfg == nil || strings.TrimSpace(cfg.Gateway.URL) == "" {
		return engine.NopNotifier{}
	}
	timeout := defaultGatewayTimeout
	if cfg.Gateway.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second
	}
	return &GatewayNotifier{
		URL:    cfg.Gateway.URL,
		Secret: cfg.Gateway.Secret,
		Client: &http.Client{Timeout: timeout},
	}
}

type gatewayMessage struct {
	Kind     string          `json:"kind"`
	ChatID   int64           `json:"chat_id,omitempty"`
	Handle   string          `json:"handle,omitempty"`
	Text     string          `json:"text,omitempty"`
	MediaRef string          `json:"media_ref,omitempty"`
	Buttons  []gatewayButton `json:"buttons,omitempty"`
	Filename string          `json:"filename,omitempty"`
	Document string          `json:"document,omitempty"`
}

type gatewayButton struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

func (n *GatewayNotifier) SendToParticipant(ctx context.Context, chatID int64, handle, text string) error {
	return n.post(ctx, gatewayMessage{
		Kind:   "message",
		ChatID: chatID,
		Handle: handle,
		Text:   text,
	})
}

func (n *GatewayNotifier) SendToModerator(ctx context.Context, entry domain.ReviewEntry, caption string, options []domain.DecisionKind) error {
	msg := gatewayMessage{
		Kind:     "review",
		Handle:   entry.Submitter,
		Text:     caption,
		MediaRef: entry.MediaRef,
	}
	for _, kind := range options {
		token := command.FormatDecisionToken(domain.DecisionToken{
			Kind:    kind,
			AssetID: entry.Key.AssetID,
			Action:  entry.Key.Action,
		})
		msg.Buttons = append(msg.Buttons, gatewayButton{Label: string(kind), Data: token})
	}
	return n.post(ctx, msg)
}

func (n *GatewayNotifier) SendDocument(ctx context.Context, chatID int64, handle, filename string, doc []byte) error {
	return n.post(ctx, gatewayMessage{
		Kind:     "document",
		ChatID:   chatID,
		Handle:   handle,
		Filename: filename,
		Document: base64.StdEncoding.EncodeToString(doc),
	})
}

func (n *GatewayNotifier) post(ctx context.Context, msg gatewayMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Grovekeeper-Kind", msg.Kind)
	if strings.TrimSpace(n.Secret) != "" {
		req.Header.Set("X-Grovekeeper-Secret", n.Secret)
	}
	res, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/CookPiu/Bot/internal/notify"
)

// ChatConfig points at a group chat's incoming bot webhook.
type ChatConfig struct {
	URL string
	// Secret enables signed requests when the bot requires them.
	Secret  string
	Timeout time.Duration
}

type chatText struct {
	Text string `json:"text"`
}

type chatMessage struct {
	Timestamp string   `json:"timestamp,omitempty"`
	Sign      string   `json:"sign,omitempty"`
	MsgType   string   `json:"msg_type"`
	Content   chatText `json:"content"`
}

type chatReply struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Chat posts a plain-text message to a chat bot webhook.
type Chat struct {
	cfg    ChatConfig
	client *http.Client
	now    func() time.Time
}

// NewChat creates a Chat channel.
func NewChat(cfg ChatConfig) *Chat {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Chat{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, now: time.Now}
}

func (c *Chat) Name() string { return "chat" }

func (c *Chat) Deliver(ctx context.Context, t notify.Transition) error {
	ctx, span := otel.Tracer("notifier").Start(ctx, "channel.chat")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", t.TaskID))

	msg := chatMessage{MsgType: "text", Content: chatText{Text: notify.Render(t)}}
	if c.cfg.Secret != "" {
		ts := strconv.FormatInt(c.now().Unix(), 10)
		msg.Timestamp = ts
		msg.Sign = chatSign(ts, c.cfg.Secret)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return fmt.Errorf("chat webhook call: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("chat webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return err
	}
	// Bot platforms report rejected messages as 200 with a non-zero code.
	var reply chatReply
	if json.Unmarshal(raw, &reply) == nil && reply.Code != 0 {
		err := fmt.Errorf("chat webhook rejected message: code %d: %s", reply.Code, reply.Msg)
		span.RecordError(err)
		span.SetStatus(codes.Error, "message rejected")
		return err
	}
	return nil
}

// chatSign keys an HMAC-SHA256 with "timestamp\nsecret" over an empty body.
func chatSign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(timestamp+"\n"+secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

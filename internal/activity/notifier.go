package activity

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:generate mockgen -destination=mocks/mock_notifier.go -package=mocks github.com/mattjoyce/ductile-worker/internal/activity Notifier

// Notifier tells the control plane that an instance can be reclaimed.
type Notifier interface {
	Notify(ctx context.Context, instanceID string) error
}

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Ductile-Signature"

type reclaimMessage struct {
	InstanceID string    `json:"instance_id"`
	At         time.Time `json:"at"`
}

func encodeMessage(instanceID string) ([]byte, error) {
	return json.Marshal(reclaimMessage{InstanceID: instanceID, At: time.Now().UTC()})
}

// HTTPNotifier POSTs the reclamation message to a control-plane endpoint.
type HTTPNotifier struct {
	url    string
	secret string
	client *http.Client
}

func NewHTTPNotifier(url, secret string, client *http.Client) *HTTPNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPNotifier{url: url, secret: secret, client: client}
}

func (n *HTTPNotifier) Notify(ctx context.Context, instanceID string) error {
	body, err := encodeMessage(instanceID)
	if err != nil {
		return fmt.Errorf("encode reclaim message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build reclaim request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(body, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send reclaim request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("reclaim endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Sign returns the hex-encoded HMAC-SHA256 of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ErrBadSignature is returned by Verify for any signature mismatch.
var ErrBadSignature = errors.New("signature verification failed")

// Verify checks a SignatureHeader value against body. Both "sha256=<hex>"
// and bare hex are accepted. Receivers of reclamation notices use it.
func Verify(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return ErrBadSignature
	}
	return nil
}

// RedisNotifier publishes the reclamation message on a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, instanceID string) error {
	body, err := encodeMessage(instanceID)
	if err != nil {
		return fmt.Errorf("encode reclaim message: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, body).Err(); err != nil {
		return fmt.Errorf("publish reclaim message: %w", err)
	}
	return nil
}

// ConnectRedis accepts either a redis:// URL or a bare host:port.
func ConnectRedis(addr string) (*redis.Client, error) {
	if strings.Contains(addr, "://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

// LogNotifier only logs. Useful when no control plane is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, instanceID string) error {
	n.logger.Warn("instance idle, ready for reclamation", "instance_id", instanceID)
	return nil
}

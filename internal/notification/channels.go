package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/eventlocator/internal/model"
)

// 配信チャネル名（メトリクスのラベルに使う）
const (
	DeliveryPersisted = "persisted"
	DeliveryRealtime  = "realtime"
	DeliveryEmail     = "email"
)

// RealtimePusher はユーザーへのリアルタイム配信のインターフェース。
type RealtimePusher interface {
	Push(ctx context.Context, userID string, n *model.Notification) error
}

// RealtimeChannel はユーザー別のRedisチャネルへ通知をPUBLISHする。
type RealtimeChannel struct {
	publisher Publisher
}

// NewRealtimeChannel はRealtimeChannelを生成する。
func NewRealtimeChannel(publisher Publisher) *RealtimeChannel {
	return &RealtimeChannel{publisher: publisher}
}

// Push は user-<id>-notifications に通知を発行する。
func (c *RealtimeChannel) Push(ctx context.Context, userID string, n *model.Notification) error {
	return c.publisher.Publish(ctx, UserChannel(userID), n)
}

// EmailMessage は送信するメールの内容。
type EmailMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// EmailSender はメール送信のインターフェース。
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// LogEmailSender はメールを送信せず、内容をログに記録する。
// 中継先が設定されていない環境で使う。
type LogEmailSender struct {
	logger *slog.Logger
}

// NewLogEmailSender はLogEmailSenderを生成する。
func NewLogEmailSender(logger *slog.Logger) *LogEmailSender {
	return &LogEmailSender{logger: logger}
}

// Send はメール内容をログに記録する。
func (s *LogEmailSender) Send(_ context.Context, msg EmailMessage) error {
	s.logger.Info("email notification",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("message", msg.Text),
	)
	return nil
}

// maxRelayResponseSize は中継先の応答を読み捨てる上限。
const maxRelayResponseSize = 64 * 1024

// RelayEmailSender はHTTPのメール中継APIにJSONをPOSTする。
// clientにはSSRF防止付きのクライアントを渡す。
type RelayEmailSender struct {
	client *http.Client
	url    string
	from   string
}

// NewRelayEmailSender はRelayEmailSenderを生成する。
func NewRelayEmailSender(client *http.Client, relayURL, from string) *RelayEmailSender {
	return &RelayEmailSender{client: client, url: relayURL, from: from}
}

// Send はメールを中継APIに送信する。2xx以外の応答はエラーとする。
func (s *RelayEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	if msg.From == "" {
		msg.From = s.from
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("メールのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("メール中継リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("メール中継への送信に失敗しました: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRelayResponseSize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("メール中継がエラーを返しました: status %d", resp.StatusCode)
	}
	return nil
}

// compile-time interface check
var (
	_ RealtimePusher = (*RealtimeChannel)(nil)
	_ EmailSender    = (*LogEmailSender)(nil)
	_ EmailSender    = (*RelayEmailSender)(nil)
)

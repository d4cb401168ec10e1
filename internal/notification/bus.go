// Package notification は通知パイプラインと配信チャネルを提供する。
//
// イベントの変更はRedisのブロードキャストチャネルに発行され、各サーバーインスタンスの
// 購読ループが関心ユーザーを解決して、永続化・リアルタイム配信・メール配信を行う。
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redisのチャネル名
const (
	ChannelEventUpdates   = "event-updates"
	ChannelEventReminders = "event-reminders"
)

// UserChannel はユーザー向けリアルタイム通知のチャネル名を返す。
func UserChannel(userID string) string {
	return "user-" + userID + "-notifications"
}

// Publisher はメッセージをチャネルに発行するインターフェース。
type Publisher interface {
	// Publish はpayloadをJSONにしてchannelに発行する。Redisが受理した時点で戻る。
	Publish(ctx context.Context, channel string, payload any) error
}

// MessageHandler は購読したメッセージを処理する関数。
type MessageHandler func(ctx context.Context, payload []byte)

// 購読が切れたときの再接続間隔
const (
	defaultResubscribeMin = 500 * time.Millisecond
	defaultResubscribeMax = 30 * time.Second
)

// errSubscriptionClosed は購読中のチャネルが閉じられたことを表す。
var errSubscriptionClosed = errors.New("購読チャネルが閉じられました")

// RedisBus はRedis Pub/Subを使ったPublisherと購読ループ。
type RedisBus struct {
	client         redis.UniversalClient
	logger         *slog.Logger
	resubscribeMin time.Duration
	resubscribeMax time.Duration
}

// NewRedisBus はRedisBusを生成する。
func NewRedisBus(client redis.UniversalClient, logger *slog.Logger) *RedisBus {
	return &RedisBus{
		client:         client,
		logger:         logger,
		resubscribeMin: defaultResubscribeMin,
		resubscribeMax: defaultResubscribeMax,
	}
}

// Publish はpayloadをJSONにしてchannelに発行する。
func (b *RedisBus) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("メッセージのエンコードに失敗しました: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("メッセージの発行に失敗しました (%s): %w", channel, err)
	}
	return nil
}

// Run はctxがキャンセルされるまで購読を続ける。
// Redisの再起動などで購読の確立や受信が失敗した場合は、指数的に間隔を広げながら再購読する。
// 購読が一度確立すれば再接続間隔は最小値に戻る。
func (b *RedisBus) Run(ctx context.Context, handlers map[string]MessageHandler) {
	delay := b.resubscribeMin
	for {
		established, err := b.subscribe(ctx, handlers)
		if ctx.Err() != nil {
			return
		}
		if established {
			delay = b.resubscribeMin
		}
		b.logger.Warn("通知チャネルの購読が切断されました。再購読します",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = min(delay*2, b.resubscribeMax)
	}
}

// Subscribe はhandlersのチャネルを購読し、ctxがキャンセルされるまでメッセージを処理する。
// 購読の確立に失敗した場合や購読が切れた場合はエラーを返す。再購読はRunが行う。
// メッセージは受信順に1件ずつ処理する。
func (b *RedisBus) Subscribe(ctx context.Context, handlers map[string]MessageHandler) error {
	_, err := b.subscribe(ctx, handlers)
	return err
}

// subscribe は購読を1回行う。establishedは購読確定まで到達したかを表す。
func (b *RedisBus) subscribe(ctx context.Context, handlers map[string]MessageHandler) (established bool, err error) {
	channels := make([]string, 0, len(handlers))
	for ch := range handlers {
		channels = append(channels, ch)
	}

	pubsub := b.client.Subscribe(ctx, channels...)
	defer pubsub.Close()

	// 購読確定を待つ
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("チャネルの購読に失敗しました: %w", err)
	}

	b.logger.Info("通知チャネルの購読を開始しました",
		slog.Any("channels", channels),
	)

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("通知チャネルの購読を停止しました")
			return true, nil
		case msg, ok := <-msgs:
			if !ok {
				return true, errSubscriptionClosed
			}
			handler, found := handlers[msg.Channel]
			if !found {
				continue
			}
			handler(ctx, []byte(msg.Payload))
		}
	}
}

// compile-time interface check
var _ Publisher = (*RedisBus)(nil)

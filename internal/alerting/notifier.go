package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"covermarket/internal/logging"
)

// Kind 标识通知类型。
type Kind string

const (
	KindListingCreated  Kind = "listing_created"
	KindCoverActivated  Kind = "cover_activated"
	KindClaimRaised     Kind = "claim_raised"
	KindClaimResolved   Kind = "claim_resolved"
	KindCollectiveClaim Kind = "collective_claim"
	KindPayoutSwept     Kind = "payout_swept"
)

// Notification 封装市场事件上下文。
type Notification struct {
	Kind        Kind
	At          time.Time
	ListingType string
	ListingID   uint64
	CoverID     uint64
	ClaimID     uint64
	Account     string
	State       string
	Round       string
	Amount      decimal.Decimal
	Symbol      string
	Devaluation decimal.Decimal
	// AdditionalMsg is appended verbatim.
	AdditionalMsg string
}

// Notifier 定义通知输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logging.Component(logger, "alert_telegram"),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Uint64("claim_id", note.ClaimID).
		Uint64("cover_id", note.CoverID).
		Msg("通知已发送 (Telegram)")
	return nil
}

// LogNotifier 将事件写入日志，未配置外部通道时使用。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志通知器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.Component(logger, "alert_log")}
}

// Notify 记录一条事件日志。
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	evt := n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("listing_type", note.ListingType).
		Uint64("listing_id", note.ListingID)
	if note.CoverID != 0 {
		evt = evt.Uint64("cover_id", note.CoverID)
	}
	if note.ClaimID != 0 {
		evt = evt.Uint64("claim_id", note.ClaimID)
	}
	if note.State != "" {
		evt = evt.Str("state", note.State)
	}
	if !note.Amount.IsZero() {
		evt = evt.Str("amount", note.Amount.String()).Str("symbol", note.Symbol)
	}
	evt.Msg("market event")
	return nil
}

// Fanout 将同一事件投递到多个通道，单个通道失败不影响其他通道。
type Fanout []Notifier

// Notify 投递到全部通道并合并错误。
func (f Fanout) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[covermarket] %s\n", note.Kind))
	if !note.At.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	}
	if note.ListingType != "" {
		builder.WriteString(fmt.Sprintf("Listing: %s #%d\n", note.ListingType, note.ListingID))
	}
	if note.CoverID != 0 {
		builder.WriteString(fmt.Sprintf("Cover: #%d\n", note.CoverID))
	}
	if note.ClaimID != 0 {
		builder.WriteString(fmt.Sprintf("Claim: #%d\n", note.ClaimID))
	}
	if note.Round != "" {
		builder.WriteString(fmt.Sprintf("Round: %s\n", note.Round))
	}
	if note.State != "" {
		builder.WriteString(fmt.Sprintf("State: %s\n", note.State))
	}
	if !note.Devaluation.IsZero() {
		builder.WriteString(fmt.Sprintf("Devaluation: %s%%\n", note.Devaluation.Shift(2).StringFixed(2)))
	}
	if !note.Amount.IsZero() {
		builder.WriteString(fmt.Sprintf("Amount: %s %s\n", note.Amount.String(), note.Symbol))
	}
	if note.Account != "" {
		builder.WriteString(fmt.Sprintf("Account: %s\n", note.Account))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Fanout(nil)
)

// Package alerting pushes actionable decisions to operator channels.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"driftwatch/internal/monitor"
	"driftwatch/internal/storage"
)

// TelegramNotifier 通过 Telegram Bot API 推送决策通知。
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
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// NotifyDecision 推送一条 suggest/execute 决策。发送失败只记日志,
// 不影响监控循环。
func (n *TelegramNotifier) NotifyDecision(ctx context.Context, note monitor.Notification) {
	if err := n.send(ctx, renderMessage(note)); err != nil {
		n.logger.Error().Err(err).
			Str("wallet", note.Wallet).
			Str("action", note.Action).
			Msg("告警发送失败")
		return
	}
	n.logger.Info().
		Str("wallet", note.Wallet).
		Str("action", note.Action).
		Msg("告警已发送 (Telegram)")
}

func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    text,
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
	return nil
}

func renderMessage(note monitor.Notification) string {
	builder := strings.Builder{}
	switch note.Action {
	case storage.ActionExecute:
		builder.WriteString("[DriftWatch] Rebalance executed\n")
	default:
		builder.WriteString("[DriftWatch] Rebalance suggested\n")
	}
	builder.WriteString(fmt.Sprintf("Wallet: %s\n", note.Wallet))
	builder.WriteString(fmt.Sprintf("Drift: %s%% (%s)\n", note.TotalDriftPct.StringFixed(2), note.Urgency))
	builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
	if note.ExecutionID != "" {
		builder.WriteString(fmt.Sprintf("Execution: %s\n", note.ExecutionID))
	}
	if note.TxHash != "" {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", note.TxHash))
	}
	return builder.String()
}

var _ monitor.Notifier = (*TelegramNotifier)(nil)

package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lumapix/lumapix/internal/config"
	paymentdomain "github.com/lumapix/lumapix/internal/payment/domain"
	userdomain "github.com/lumapix/lumapix/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultAPIURL = "https://api.telegram.org"

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Cfg   config.Config
	Users userdomain.Repository
}

// Notifier delivers chat messages over the Bot API. A 403 means the user
// blocked the bot; the user is marked banned so delivery is not retried
// forever.
type Notifier struct {
	httpClient *http.Client
	apiURL     string
	token      string
	db         *gorm.DB
	log        *zap.Logger
	users      userdomain.Repository
}

func NewNotifier(p Params) paymentdomain.Notifier {
	if p.Cfg.BotToken == "" {
		p.Log.Named("providers.telegram").Warn("bot token not set, notifications disabled")
		return nil
	}
	return &Notifier{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apiURL:     defaultAPIURL,
		token:      p.Cfg.BotToken,
		db:         p.DB,
		log:        p.Log.Named("providers.telegram"),
		users:      p.Users,
	}
}

func (n *Notifier) PaymentSucceeded(ctx context.Context, userID int64, note paymentdomain.SucceededNote) error {
	var b strings.Builder
	b.WriteString("✅ Payment confirmed\n")
	switch {
	case note.CloneUnlimited:
		b.WriteString("\n🎉 Clone access is now active.")
	case note.PendingGeneration:
		fmt.Fprintf(&b, "\n💰 %d tokens credited. Your generation is ready to run.", note.Tokens+note.BonusTokens)
	default:
		fmt.Fprintf(&b, "\n💰 %d tokens credited.", note.Tokens+note.BonusTokens)
	}
	if note.BonusTokens > 0 {
		fmt.Fprintf(&b, "\n🎁 Includes a bonus of %d.", note.BonusTokens)
	}
	return n.sendMessage(ctx, userID, b.String())
}

func (n *Notifier) PaymentCanceled(ctx context.Context, userID int64, reason string) error {
	text := "❌ Payment canceled."
	if reason != "" {
		text += "\nReason: " + strings.ReplaceAll(reason, "_", " ")
	}
	return n.sendMessage(ctx, userID, text)
}

func (n *Notifier) PaymentWaiting(ctx context.Context, userID int64) error {
	return n.sendMessage(ctx, userID, "⏳ Payment received, awaiting confirmation.")
}

func (n *Notifier) RefundSucceeded(ctx context.Context, userID int64, rubAmount int64) error {
	return n.sendMessage(ctx, userID, fmt.Sprintf("↩️ Refund of %d RUB completed.", rubAmount))
}

func (n *Notifier) ReferralBonus(ctx context.Context, inviterID int64, amount, newBalance int64) error {
	return n.sendMessage(ctx, inviterID,
		fmt.Sprintf("🎁 A friend topped up: +%d tokens for you. Balance: %d.", amount, newBalance))
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

func (n *Notifier) sendMessage(ctx context.Context, chatID int64, text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.apiURL, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send to %d: %w", chatID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return err
	}
	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return fmt.Errorf("telegram: undecodable response: %w", err)
	}
	if apiResp.OK {
		return nil
	}

	// The user blocked the bot; stop delivering to them.
	if apiResp.ErrorCode == http.StatusForbidden {
		n.log.Info("user blocked the bot, marking banned", zap.Int64("chat_id", chatID))
		if _, err := n.users.SetSegment(ctx, n.db, chatID, userdomain.SegmentBan, nil); err != nil {
			n.log.Warn("ban after 403 failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
	return fmt.Errorf("telegram: api error %d: %s", apiResp.ErrorCode, apiResp.Description)
}

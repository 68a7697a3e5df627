package notify

import (
	"context"
	"fmt"

	"callflow/pkg/logger"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

// TelegramNotifier delivers operational alerts and digests to a fixed
// ops chat. It is one-way: the bot never polls for updates.
type TelegramNotifier struct {
	tb     *tele.Bot
	chatID int64
}

func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	pref := tele.Settings{
		Token: token,
		// no poller: outbound only
		Synchronous: true,
	}

	tb, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	logger.Info("Telegram notifier created", zap.Int64("chat_id", chatID))

	return &TelegramNotifier{
		tb:     tb,
		chatID: chatID,
	}, nil
}

// Send delivers a message to the ops chat
func (n *TelegramNotifier) Send(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, err := n.tb.Send(&tele.Chat{ID: n.chatID}, message, &tele.SendOptions{
			ParseMode: tele.ModeDefault,
		})
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send notification: %w", err)
		}
	}

	logger.Debug("Notification sent",
		zap.Int64("chat_id", n.chatID),
		zap.Int("size", len(message)))

	return nil
}

package alert

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"

	"github.com/Vovarama1992/storefront-support/internal/chat"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter posts a note to the staff chat for every new escalation.
// Sends are asynchronous so a slow Telegram never delays the customer.
type TelegramAlerter struct {
	bot    sender
	chatID int64
	wg     sync.WaitGroup
}

func NewTelegramAlerter(token string, chatID int64) (*TelegramAlerter, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram token and chat id are required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	log.Printf("[alert] authorized as %s", api.Self.UserName)
	return &TelegramAlerter{bot: api, chatID: chatID}, nil
}

func (a *TelegramAlerter) SessionEscalated(_ context.Context, s *chat.Session) {
	msg := tgbotapi.NewMessage(a.chatID, escalationText(s))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if _, err := a.bot.Send(msg); err != nil {
			log.Printf("[alert] telegram send failed for session %s: %v", s.ID, err)
		}
	}()
}

// Wait blocks until queued alerts are sent; called on shutdown.
func (a *TelegramAlerter) Wait() {
	a.wg.Wait()
}

func escalationText(s *chat.Session) string {
	return fmt.Sprintf("🔔 Новое обращение к сотруднику\nКлиент: %s\nСессия: %s\nВремя: %s UTC",
		s.UserID, s.ID, time.Now().UTC().Format("02.01.2006 15:04"))
}

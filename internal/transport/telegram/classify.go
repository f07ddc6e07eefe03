package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"

	tele "gopkg.in/telebot.v4"

	"ratingbot/internal/notifier"
)

var permanentErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrKickedFromGroup,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
}

// Classify maps a send error onto notifier.ErrNotifyPermanent when the chat
// can never receive messages again, and notifier.ErrNotifyTransient otherwise.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return notifier.ErrNotifyTransient
	}
	for _, p := range permanentErrors {
		if errors.Is(err, p) {
			return notifier.ErrNotifyPermanent
		}
	}

	var te *tele.Error
	if errors.As(err, &te) {
		desc := strings.ToLower(te.Description)
		switch {
		case te.Code == http.StatusForbidden:
			return notifier.ErrNotifyPermanent
		case te.Code == http.StatusBadRequest && (strings.Contains(desc, "chat not found") ||
			strings.Contains(desc, "upgraded to a supergroup") ||
			strings.Contains(desc, "peer_id_invalid")):
			return notifier.ErrNotifyPermanent
		}
		return notifier.ErrNotifyTransient
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "migrated") || strings.Contains(msg, "upgraded to a supergroup") {
		return notifier.ErrNotifyPermanent
	}
	return notifier.ErrNotifyTransient
}

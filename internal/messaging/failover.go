package messaging

import (
	"context"
	"errors"

	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/pkg/logging"
)

// FailoverSender attempts a primary send, then falls back to a secondary
// channel on error. The usual pairing is WhatsApp first, then SMS.
type FailoverSender struct {
	primary   followup.Sender
	secondary followup.Sender
	logger    *logging.Logger
}

func NewFailoverSender(primary, secondary followup.Sender, logger *logging.Logger) *FailoverSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &FailoverSender{primary: primary, secondary: secondary, logger: logger}
}

var _ followup.Sender = (*FailoverSender)(nil)

func (f *FailoverSender) Send(ctx context.Context, msg followup.Outbound) (followup.Receipt, error) {
	if f == nil || f.primary == nil {
		return followup.Receipt{}, &SendError{Channel: "none", Err: errors.New("messaging: failover primary sender not configured")}
	}
	receipt, err := f.primary.Send(ctx, msg)
	if err == nil || f.secondary == nil || ctx.Err() != nil {
		return receipt, err
	}
	f.logger.Warn("primary send failed; attempting fallback",
		"conversation_id", msg.ConversationID,
		"error", err,
	)
	receipt, fallbackErr := f.secondary.Send(ctx, msg)
	if fallbackErr != nil {
		f.logger.Error("fallback send failed",
			"conversation_id", msg.ConversationID,
			"primary_error", err,
			"error", fallbackErr,
		)
		return followup.Receipt{}, fallbackErr
	}
	return receipt, nil
}

package bootstrap

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wolfman30/docfollow/internal/config"
	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/internal/messaging"
	"github.com/wolfman30/docfollow/internal/notify"
	"github.com/wolfman30/docfollow/internal/observability/metrics"
	"github.com/wolfman30/docfollow/pkg/logging"
)

// unconfiguredSender marks every outbound message undelivered.
type unconfiguredSender struct{}

func (unconfiguredSender) Send(context.Context, followup.Outbound) (followup.Receipt, error) {
	return followup.Receipt{}, &messaging.SendError{Channel: "none", Err: errors.New("no messaging provider configured")}
}

// BuildPatientSender returns WhatsApp with SMS failover when both numbers are
// configured, or whichever single channel is.
func BuildPatientSender(cfg *appconfig.Config, m *metrics.MessagingMetrics, logger *logging.Logger) followup.Sender {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg == nil || cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		logger.Warn("twilio not configured; patient messages will be marked undelivered")
		return unconfiguredSender{}
	}

	var whatsapp, sms followup.Sender
	if from := strings.TrimSpace(cfg.TwilioWhatsAppFrom); from != "" {
		whatsapp = messaging.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, messaging.ChannelWhatsApp, from, logger, messaging.WithTwilioMetrics(m))
	}
	if from := strings.TrimSpace(cfg.TwilioSMSFrom); from != "" {
		sms = messaging.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, messaging.ChannelSMS, from, logger, messaging.WithTwilioMetrics(m))
	}
	switch {
	case whatsapp != nil && sms != nil:
		return messaging.NewFailoverSender(whatsapp, sms, logger)
	case whatsapp != nil:
		return whatsapp
	case sms != nil:
		return sms
	default:
		logger.Warn("no twilio sending number configured; patient messages will be marked undelivered")
		return unconfiguredSender{}
	}
}

// BuildEmailSender picks SendGrid, then SES, then a logging stub.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) notify.EmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg != nil && cfg.SendGridAPIKey != "" {
		if sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); sender != nil {
			return sender
		}
	}
	if cfg != nil && cfg.SESFromEmail != "" && awsCfg != nil {
		if sender := notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); sender != nil {
			return sender
		}
	}
	logger.Warn("no email provider configured; doctor emails are logged only")
	return notify.NewStubEmailSender(logger)
}

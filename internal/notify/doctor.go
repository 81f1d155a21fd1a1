package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/pkg/logging"
)

// DoctorNotifier implements followup.DoctorNotifier. Every notice goes to the
// live feed; notices for doctors with an e-mail address are also mailed.
type DoctorNotifier struct {
	email  EmailSender
	feed   *Feed
	logger *logging.Logger
}

func NewDoctorNotifier(email EmailSender, feed *Feed, logger *logging.Logger) *DoctorNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &DoctorNotifier{email: email, feed: feed, logger: logger}
}

var _ followup.DoctorNotifier = (*DoctorNotifier)(nil)

func (n *DoctorNotifier) Notify(ctx context.Context, notice followup.Notice) error {
	if n.feed != nil {
		n.feed.Publish(notice)
	}
	if n.email == nil || strings.TrimSpace(notice.DoctorEmail) == "" {
		return nil
	}
	msg := EmailMessage{
		To:      notice.DoctorEmail,
		Subject: noticeSubject(notice),
		Body:    noticeText(notice),
		HTML:    noticeHTML(notice),
	}
	if err := n.email.Send(ctx, msg); err != nil {
		n.logger.Error("notify: doctor email failed", "error", err, "doctor_id", notice.DoctorID, "conversation_id", notice.ConversationID, "kind", notice.Kind)
		return fmt.Errorf("notify: email doctor: %w", err)
	}
	return nil
}

func noticeSubject(notice followup.Notice) string {
	patient := notice.PatientName
	if patient == "" {
		patient = "a patient"
	}
	switch notice.Kind {
	case followup.NoticeDraftReady:
		return fmt.Sprintf("Reply ready for review: %s", patient)
	case followup.NoticeUndelivered:
		return fmt.Sprintf("Message not delivered to %s", patient)
	case followup.NoticeAuthorizationRequired:
		return "Connect your calendar to finish booking"
	case followup.NoticeBookingRejected:
		return fmt.Sprintf("Could not book follow-up for %s", patient)
	case followup.NoticeBookingConfirmed:
		return fmt.Sprintf("Follow-up booked for %s", patient)
	default:
		return "Follow-up update"
	}
}

func noticeText(notice followup.Notice) string {
	var b strings.Builder
	b.WriteString(notice.Summary)
	if notice.Link != "" {
		b.WriteString("\n\n")
		b.WriteString(notice.Link)
	}
	return b.String()
}

func noticeHTML(notice followup.Notice) string {
	var link string
	if notice.Link != "" {
		label := "Open follow-up"
		if notice.Kind == followup.NoticeAuthorizationRequired {
			label = "Connect Google Calendar"
		}
		link = fmt.Sprintf(`<p><a href="%s" style="background:#2563eb;color:#fff;padding:10px 16px;border-radius:4px;text-decoration:none;">%s</a></p>`, html.EscapeString(notice.Link), label)
	}
	return fmt.Sprintf(`<div style="font-family:sans-serif;max-width:600px;">
<h2 style="color:#333;">%s</h2>
<p>%s</p>
%s
<p style="color:#666;font-size:12px;">Conversation %s</p>
</div>`,
		html.EscapeString(noticeSubject(notice)),
		html.EscapeString(notice.Summary),
		link,
		html.EscapeString(notice.ConversationID),
	)
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

func stripTags(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(s, "")))
}

// MultiSender tries each sender in order until one succeeds.
type MultiSender []EmailSender

func (m MultiSender) Send(ctx context.Context, msg EmailMessage) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		err := s.Send(ctx, msg)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return errors.New("notify: no email sender configured")
	}
	return errors.Join(errs...)
}

package followup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wolfman30/docfollow/pkg/logging"
)

// LifecycleEvent is one structured line emitted at a decision point.
// All events share the same base fields for easy filtering:
//
//	grep '"event":"transition_applied"' /var/log/app.log
//	grep '"conversation_id":"3f0c..."' /var/log/app.log
type LifecycleEvent struct {
	Time           string         `json:"time"`
	Event          string         `json:"event"`
	ConversationID string         `json:"conversation_id"`
	PatientID      string         `json:"patient_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// EventLogger emits lifecycle events as JSON log lines.
type EventLogger struct {
	logger *logging.Logger
}

// NewEventLogger creates a lifecycle event logger.
func NewEventLogger(logger *logging.Logger) *EventLogger {
	return &EventLogger{logger: logger}
}

// Log emits a structured lifecycle event.
func (e *EventLogger) Log(_ context.Context, event, convID, patientID string, data map[string]any) {
	if e == nil || e.logger == nil {
		return
	}
	b, _ := json.Marshal(LifecycleEvent{
		Time:           time.Now().UTC().Format(time.RFC3339Nano),
		Event:          event,
		ConversationID: convID,
		PatientID:      patientID,
		Data:           data,
	})
	e.logger.Info(string(b))
}

func (e *EventLogger) FollowUpOpened(ctx context.Context, conv *Conversation) {
	e.Log(ctx, "followup_opened", conv.ID, conv.PatientID, map[string]any{
		"doctor_id":     conv.DoctorID,
		"followup_date": conv.FollowUpDate,
	})
}

func (e *EventLogger) TransitionApplied(ctx context.Context, conv *Conversation, kind EventKind, from State) {
	e.Log(ctx, "transition_applied", conv.ID, conv.PatientID, map[string]any{
		"event":   kind,
		"from":    from,
		"to":      conv.State,
		"version": conv.Version,
	})
}

func (e *EventLogger) TransitionRejected(ctx context.Context, convID string, kind EventKind, state State) {
	e.Log(ctx, "transition_rejected", convID, "", map[string]any{
		"event": kind,
		"state": state,
	})
}

func (e *EventLogger) DuplicateIgnored(ctx context.Context, convID, eventID string) {
	e.Log(ctx, "duplicate_ignored", convID, "", map[string]any{"event_id": eventID})
}

func (e *EventLogger) DeliveryRecorded(ctx context.Context, convID string, index int, status DeliveryStatus, channel string) {
	e.Log(ctx, "delivery_recorded", convID, "", map[string]any{
		"index":   index,
		"status":  status,
		"channel": channel,
	})
}

package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/internal/observability/metrics"
	"github.com/wolfman30/docfollow/pkg/logging"
)

const draftHistoryLimit = 20

const draftSystemPrompt = `You draft WhatsApp replies to a patient on behalf of their doctor. A doctor reviews every draft before it is sent.

Rules:
- Address the patient by first name, keep it under 80 words, plain language, no markdown.
- Only comment on readings that are in the extracted data. Never invent values.
- When readings are abnormal, tell the patient their readings are abnormal and ask them to visit the doctor for a checkup.
- When readings are normal, reassure the patient and tell them to continue their medication.
- When something is missing, ask for it politely.
- Reply with the message text only.`

// Drafter implements followup.Drafter with an LLM.
type Drafter struct {
	client  LLMClient
	modelID string
	metrics *metrics.AssistantMetrics
	logger  *logging.Logger
}

func NewDrafter(client LLMClient, modelID string, m *metrics.AssistantMetrics, logger *logging.Logger) *Drafter {
	if client == nil {
		panic("assistant: drafter requires an llm client")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Drafter{client: client, modelID: modelID, metrics: m, logger: logger}
}

// Draft proposes a reply. Errors are *followup.DraftError.
func (d *Drafter) Draft(ctx context.Context, in followup.DraftInput) (string, error) {
	prompt, err := draftPrompt(in)
	if err != nil {
		return "", &followup.DraftError{Kind: followup.FailureInvalidInput, Err: err}
	}
	resp, kind, err := complete(ctx, d.client, d.metrics, opDraft, LLMRequest{
		Model:       d.modelID,
		System:      []string{draftSystemPrompt, guidanceFor(ConditionFor(in.Diagnosis))},
		Messages:    []ChatMessage{{Role: ChatRoleUser, Content: prompt}},
		MaxTokens:   300,
		Temperature: 0.3,
	})
	if err != nil {
		return "", &followup.DraftError{Kind: kind, Err: err}
	}
	draft := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Text), `"`))
	if draft == "" {
		return "", &followup.DraftError{Kind: followup.FailureModelError, Err: errors.New("assistant: model returned an empty draft")}
	}
	return draft, nil
}

func guidanceFor(c Condition) string {
	switch c {
	case ConditionBloodSugar:
		return fmt.Sprintf("This patient is followed for blood sugar. Readings below %.0f mg/dL are normal; %.0f or above is abnormal. If no readings were shared, ask for the blood sugar readings of the last three days.", GlucoseAbnormalThreshold, GlucoseAbnormalThreshold)
	case ConditionFever:
		return "This patient is followed for fever. If no temperature was shared, ask for today's temperature and whether the fever has come back."
	default:
		return "Ask how the patient is feeling since the visit and whether they have any new symptoms."
	}
}

func draftPrompt(in followup.DraftInput) (string, error) {
	var b strings.Builder
	name := strings.TrimSpace(in.PatientName)
	if name == "" {
		name = "Patient"
	}
	fmt.Fprintf(&b, "Patient: %s\n", name)
	if d := strings.TrimSpace(in.Diagnosis); d != "" {
		fmt.Fprintf(&b, "Diagnosis: %s\n", d)
	}

	history := in.History
	if len(history) > draftHistoryLimit {
		history = history[len(history)-draftHistoryLimit:]
	}
	if len(history) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, msg := range history {
			content := strings.TrimSpace(msg.Content)
			if content == "" && len(msg.Attachments) > 0 {
				content = fmt.Sprintf("(sent %d attachment(s))", len(msg.Attachments))
			}
			fmt.Fprintf(&b, "%s: %s\n", msg.Sender, content)
		}
	}

	if len(in.Extracted) > 0 {
		raw, err := json.Marshal(in.Extracted)
		if err != nil {
			return "", fmt.Errorf("assistant: encode extracted data: %w", err)
		}
		fmt.Fprintf(&b, "\nExtracted data: %s\n", raw)
	} else {
		b.WriteString("\nExtracted data: none\n")
	}

	assessment := Assess(in.Extracted)
	switch {
	case assessment.Abnormal:
		fmt.Fprintf(&b, "Assessment: ABNORMAL (%s)\n", strings.Join(assessment.Findings, "; "))
	case len(assessment.Glucose) > 0:
		b.WriteString("Assessment: blood sugar readings are within the normal range\n")
	}
	b.WriteString("\nWrite the reply to the patient.")
	return b.String(), nil
}

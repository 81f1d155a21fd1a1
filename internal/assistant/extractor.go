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

const defaultMaxAttachmentBytes = 5 << 20

// ErrAttachmentTooLarge is returned when an attachment exceeds the per-blob limit.
var ErrAttachmentTooLarge = errors.New("assistant: attachment too large")

// AttachmentFetcher resolves an attachment reference to its bytes.
type AttachmentFetcher interface {
	Fetch(ctx context.Context, ref string) (data []byte, contentType string, err error)
}

const extractionSystemPrompt = `You read messages, photos and documents sent by a patient during a post-visit follow-up and extract structured medical readings.

Reply with a single JSON object and nothing else. Use these keys when the information is present and omit the rest:
- "blood_sugar_mg_dl": array of numbers, one per reading, in mg/dL
- "temperature_c": number, body temperature in Celsius (convert from Fahrenheit)
- "blood_pressure": array of strings such as "120/80"
- "symptoms": array of short strings
- "medication_taken": boolean
- "readings_source": "message" or "attachment"
- "notes": short string with anything clinically relevant that does not fit above

If there is nothing to extract, reply with {}. Never guess values that are not in the input.`

// Extractor implements followup.Extractor with an LLM.
type Extractor struct {
	client   LLMClient
	modelID  string
	fetcher  AttachmentFetcher
	maxBytes int
	metrics  *metrics.AssistantMetrics
	logger   *logging.Logger
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithAttachmentFetcher lets the extractor send attachment bytes to the model.
// Without one, attachments are described by reference only.
func WithAttachmentFetcher(f AttachmentFetcher) ExtractorOption {
	return func(e *Extractor) { e.fetcher = f }
}

func WithMaxAttachmentBytes(n int) ExtractorOption {
	return func(e *Extractor) {
		if n > 0 {
			e.maxBytes = n
		}
	}
}

func WithExtractorMetrics(m *metrics.AssistantMetrics) ExtractorOption {
	return func(e *Extractor) { e.metrics = m }
}

func NewExtractor(client LLMClient, modelID string, logger *logging.Logger, opts ...ExtractorOption) *Extractor {
	if client == nil {
		panic("assistant: extractor requires an llm client")
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &Extractor{client: client, modelID: modelID, maxBytes: defaultMaxAttachmentBytes, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the readings found in the batch. Errors are *followup.ExtractionError.
func (e *Extractor) Extract(ctx context.Context, in followup.ExtractionInput) (map[string]any, error) {
	prompt := extractionPrompt(in)
	if prompt == "" && len(in.Attachments) == 0 {
		return map[string]any{}, nil
	}

	blobs, err := e.fetchBlobs(ctx, in.Attachments)
	if err != nil {
		return nil, &followup.ExtractionError{Kind: classify(ctx, err), Err: err}
	}

	resp, kind, err := complete(ctx, e.client, e.metrics, opExtract, LLMRequest{
		Model:       e.modelID,
		System:      []string{extractionSystemPrompt},
		Messages:    []ChatMessage{{Role: ChatRoleUser, Content: prompt}},
		Blobs:       blobs,
		MaxTokens:   512,
		Temperature: 0,
	})
	if err != nil {
		return nil, &followup.ExtractionError{Kind: kind, Err: err}
	}

	data, err := ParseReadings(resp.Text)
	if err != nil {
		e.logger.Warn("extraction reply was not parseable", "conversation_id", in.ConversationID, "error", err)
		return nil, &followup.ExtractionError{Kind: followup.FailureModelError, Err: err}
	}
	return data, nil
}

func (e *Extractor) fetchBlobs(ctx context.Context, atts []followup.Attachment) ([]Blob, error) {
	if e.fetcher == nil || len(atts) == 0 {
		return nil, nil
	}
	blobs := make([]Blob, 0, len(atts))
	for _, att := range atts {
		data, contentType, err := e.fetcher.Fetch(ctx, att.Ref)
		if err != nil {
			return nil, fmt.Errorf("assistant: fetch attachment %s: %w", att.Ref, err)
		}
		if len(data) > e.maxBytes {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrAttachmentTooLarge, att.Ref, len(data))
		}
		if contentType == "" {
			contentType = att.ContentType
		}
		blobs = append(blobs, Blob{Name: att.Ref, ContentType: contentType, Data: data})
	}
	return blobs, nil
}

func extractionPrompt(in followup.ExtractionInput) string {
	var b strings.Builder
	for _, msg := range in.Messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", msg.Timestamp.UTC().Format("2006-01-02 15:04"), content)
	}
	if b.Len() == 0 && len(in.Attachments) == 0 {
		return ""
	}

	var out strings.Builder
	if d := strings.TrimSpace(in.Diagnosis); d != "" {
		fmt.Fprintf(&out, "Diagnosis at the last visit: %s\n\n", d)
	}
	if b.Len() > 0 {
		out.WriteString("Patient messages:\n")
		out.WriteString(b.String())
	}
	if len(in.Attachments) > 0 {
		fmt.Fprintf(&out, "\nThe patient sent %d attachment(s):\n", len(in.Attachments))
		for _, att := range in.Attachments {
			fmt.Fprintf(&out, "- %s (%s)\n", att.Ref, att.ContentType)
		}
	}
	return strings.TrimSpace(out.String())
}

// ParseReadings pulls the JSON object out of a model reply. Code fences and
// prose around the object are tolerated.
func ParseReadings(text string) (map[string]any, error) {
	text = strings.TrimSpace(stripCodeFence(text))
	if text == "" {
		return map[string]any{}, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("assistant: no JSON object in model reply")
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &data); err != nil {
		return nil, fmt.Errorf("assistant: decode model reply: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.Index(text, "\n"); nl >= 0 {
		text = text[nl+1:]
	}
	if i := strings.LastIndex(text, "```"); i >= 0 {
		text = text[:i]
	}
	return text
}

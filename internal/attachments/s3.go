package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/internal/messaging"
	"github.com/wolfman30/docfollow/pkg/logging"
)

const (
	refScheme       = "s3://"
	defaultMaxBytes = 16 << 20
)

var (
	// ErrInvalidRef is returned for references this archiver did not produce.
	ErrInvalidRef = errors.New("attachments: invalid reference")
	// ErrTooLarge is returned when provider media exceeds the size limit.
	ErrTooLarge = errors.New("attachments: media too large")
)

// S3API is the subset of the S3 client used by S3Archiver.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Archiver downloads provider media with the account credentials and keeps
// it in S3. References have the form s3://bucket/key.
type S3Archiver struct {
	s3         S3API
	bucket     string
	accountSID string
	authToken  string
	httpClient *http.Client
	maxBytes   int64
	logger     *logging.Logger
}

// NewS3Archiver builds an archiver. accountSID and authToken authenticate media downloads.
func NewS3Archiver(client S3API, bucket, accountSID, authToken string, logger *logging.Logger) *S3Archiver {
	if client == nil || strings.TrimSpace(bucket) == "" {
		panic("attachments: s3 client and bucket are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &S3Archiver{
		s3:         client,
		bucket:     bucket,
		accountSID: accountSID,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		maxBytes:   defaultMaxBytes,
		logger:     logger,
	}
}

// WithHTTPClient swaps the client used for media downloads.
func (a *S3Archiver) WithHTTPClient(c *http.Client) *S3Archiver {
	if c != nil {
		a.httpClient = c
	}
	return a
}

var _ messaging.MediaArchiver = (*S3Archiver)(nil)

// Archive stores one media item under a key derived from the message, so a
// retried webhook overwrites the same object.
func (a *S3Archiver) Archive(ctx context.Context, req messaging.MediaRequest) (followup.Attachment, error) {
	data, contentType, err := a.download(ctx, req.URL)
	if err != nil {
		return followup.Attachment{}, err
	}
	if contentType == "" {
		contentType = req.ContentType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := ObjectKey(req.ConversationID, req.MessageSid, req.Index, contentType)
	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"conversation-id": req.ConversationID,
			"message-sid":     req.MessageSid,
		},
	})
	if err != nil {
		return followup.Attachment{}, fmt.Errorf("attachments: s3 put %s: %w", key, err)
	}

	a.logger.Info("archived patient media", "conversation_id", req.ConversationID, "s3_key", key, "bytes", len(data))
	return followup.Attachment{
		Ref:         refScheme + a.bucket + "/" + key,
		ContentType: contentType,
		ProviderURL: req.URL,
	}, nil
}

// Fetch returns the bytes and content type behind a reference.
func (a *S3Archiver) Fetch(ctx context.Context, ref string) ([]byte, string, error) {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return nil, "", err
	}
	out, err := a.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, "", fmt.Errorf("attachments: s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(io.LimitReader(out.Body, a.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("attachments: read %s: %w", key, err)
	}
	if int64(len(data)) > a.maxBytes {
		return nil, "", fmt.Errorf("%w: %s", ErrTooLarge, key)
	}
	return data, aws.ToString(out.ContentType), nil
}

func (a *S3Archiver) download(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("attachments: build media request: %w", err)
	}
	if a.accountSID != "" && a.authToken != "" {
		req.SetBasicAuth(a.accountSID, a.authToken)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("attachments: download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("attachments: download media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("attachments: read media: %w", err)
	}
	if int64(len(data)) > a.maxBytes {
		return nil, "", fmt.Errorf("%w: %s", ErrTooLarge, mediaURL)
	}
	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	return data, contentType, nil
}

// ObjectKey is the deterministic key for one media item.
func ObjectKey(conversationID, messageSid string, index int, contentType string) string {
	ext := ""
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return fmt.Sprintf("attachments/%s/%s/%d%s", conversationID, messageSid, index, ext)
}

// ParseRef splits s3://bucket/key.
func ParseRef(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, refScheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return bucket, key, nil
}

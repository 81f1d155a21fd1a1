package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	PublicBaseURL  string
	LogLevel       string
	UseMemoryQueue bool
	WorkerCount    int
	DatabaseURL    string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	FollowUpQueueURL    string
	FollowUpJobsTable   string
	AttachmentsBucket   string
	ArchiveBucket       string

	BedrockModelID string
	GeminiAPIKey   string
	GeminiModelID  string
	ModelTimeout   time.Duration

	TwilioAccountSID    string
	TwilioAuthToken     string
	TwilioWebhookSecret string
	TwilioWhatsAppFrom  string
	TwilioSMSFrom       string

	GoogleClientID      string
	GoogleClientSecret  string
	GoogleRedirectURL   string
	BookingTimeout      time.Duration
	AppointmentDuration time.Duration

	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string

	AdminJWTSecret     string
	DoctorJWTSecret    string
	CORSAllowedOrigins []string
	WebhookRateLimit   float64
	WebhookRateBurst   int
	DoctorRateLimit    float64
	DoctorRateBurst    int

	ReminderInterval    time.Duration
	ReminderConcurrency int
	ReminderTimezone    string
	ArchiveAfter        time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		PublicBaseURL:  strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),
		DatabaseURL:    getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		FollowUpQueueURL:    getEnv("FOLLOWUP_QUEUE_URL", ""),
		FollowUpJobsTable:   getEnv("FOLLOWUP_JOBS_TABLE", ""),
		AttachmentsBucket:   getEnv("ATTACHMENTS_BUCKET", ""),
		ArchiveBucket:       getEnv("ARCHIVE_BUCKET", ""),

		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:  getEnv("GEMINI_MODEL_ID", "gemini-1.5-flash"),
		ModelTimeout:   getEnvAsDuration("MODEL_TIMEOUT", 45*time.Second),

		TwilioAccountSID:    getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioWebhookSecret: getEnv("TWILIO_WEBHOOK_SECRET", ""),
		TwilioWhatsAppFrom:  getEnv("TWILIO_WHATSAPP_FROM", ""),
		TwilioSMSFrom:       getEnv("TWILIO_SMS_FROM", ""),

		GoogleClientID:      getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:  getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:   getEnv("GOOGLE_REDIRECT_URL", ""),
		BookingTimeout:      getEnvAsDuration("BOOKING_TIMEOUT", 20*time.Second),
		AppointmentDuration: getEnvAsDuration("APPOINTMENT_DURATION", 30*time.Minute),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "DocFollow"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		DoctorJWTSecret:    getEnv("DOCTOR_JWT_SECRET", getEnv("ADMIN_JWT_SECRET", "")),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		WebhookRateLimit:   getEnvAsFloat("WEBHOOK_RATE_LIMIT", 20),
		WebhookRateBurst:   getEnvAsInt("WEBHOOK_RATE_BURST", 40),
		DoctorRateLimit:    getEnvAsFloat("DOCTOR_RATE_LIMIT", 5),
		DoctorRateBurst:    getEnvAsInt("DOCTOR_RATE_BURST", 20),

		ReminderInterval:    getEnvAsDuration("REMINDER_INTERVAL", 0),
		ReminderConcurrency: getEnvAsInt("REMINDER_CONCURRENCY", 4),
		ReminderTimezone:    getEnv("REMINDER_TIMEZONE", "UTC"),
		ArchiveAfter:        getEnvAsDuration("ARCHIVE_AFTER", 30*24*time.Hour),
	}
}

// OAuthCallbackURL is where Google sends doctors after granting calendar access.
func (c *Config) OAuthCallbackURL() string {
	if c.GoogleRedirectURL != "" {
		return c.GoogleRedirectURL
	}
	if c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + "/oauth/google/callback"
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping empty entries.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

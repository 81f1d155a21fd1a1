package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/docfollow/internal/api/router"
	"github.com/wolfman30/docfollow/internal/archive"
	"github.com/wolfman30/docfollow/internal/assistant"
	"github.com/wolfman30/docfollow/internal/attachments"
	"github.com/wolfman30/docfollow/internal/booking"
	appconfig "github.com/wolfman30/docfollow/internal/config"
	"github.com/wolfman30/docfollow/internal/directory"
	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/internal/http/handlers"
	"github.com/wolfman30/docfollow/internal/messaging"
	"github.com/wolfman30/docfollow/internal/notify"
	"github.com/wolfman30/docfollow/internal/observability/metrics"
	"github.com/wolfman30/docfollow/internal/reminders"
	"github.com/wolfman30/docfollow/pkg/logging"
)

const memoryQueueBuffer = 256

// App holds the wired components every binary draws from.
type App struct {
	Config   *appconfig.Config
	Logger   *logging.Logger
	Registry *prometheus.Registry

	Store     followup.Store
	Directory directory.Repository
	Engine    *followup.Engine
	Queue     followup.Queue
	Publisher *followup.Publisher
	Worker    *followup.Worker
	Sweeper   *reminders.Sweeper

	Feed      *notify.Feed
	OAuth     *booking.OAuthFlow
	Calendar  *booking.GoogleCalendarScheduler
	Media     *attachments.S3Archiver
	Messaging *metrics.MessagingMetrics

	closers []func()
}

// New wires the follow-up engine and everything around it from config.
func New(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	followMetrics := metrics.NewFollowUpMetrics(a.Registry)
	a.Messaging = metrics.NewMessagingMetrics(a.Registry)
	assistantMetrics := metrics.NewAssistantMetrics(a.Registry)
	reminderMetrics := metrics.NewReminderMetrics(a.Registry)

	store, closeStore, err := BuildConversationStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, closeStore)

	dir, closeDir, err := BuildDirectory(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Directory = dir
	a.closers = append(a.closers, closeDir)

	redisClient := BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		a.closers = append(a.closers, func() { _ = redisClient.Close() })
	}

	// Queue and job tracking.
	var (
		jobRecorder followup.JobRecorder
		jobUpdater  followup.JobUpdater
	)
	if cfg.UseMemoryQueue || strings.TrimSpace(cfg.FollowUpQueueURL) == "" {
		if !cfg.UseMemoryQueue {
			logger.Warn("FOLLOWUP_QUEUE_URL not set; using in-memory queue")
		}
		a.Queue = followup.NewMemoryQueue(memoryQueueBuffer)
	} else {
		a.Queue = followup.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.FollowUpQueueURL)
		if cfg.FollowUpJobsTable != "" {
			jobs := followup.NewJobStore(dynamodb.NewFromConfig(awsCfg), cfg.FollowUpJobsTable, logger)
			jobRecorder, jobUpdater = jobs, jobs
		}
	}
	a.Publisher = followup.NewPublisher(a.Queue, jobRecorder, logger)

	// Doctor notifications.
	email := BuildEmailSender(cfg, &awsCfg, logger)
	a.Feed = notify.NewFeed(logger)
	notifier := notify.NewDoctorNotifier(email, a.Feed, logger)

	engineOpts := []followup.EngineOption{
		followup.WithLocker(BuildLocker(redisClient)),
		followup.WithNotifier(notifier),
		followup.WithMetrics(followMetrics),
	}
	if base := cfg.PublicBaseURL; base != "" {
		engineOpts = append(engineOpts, followup.WithReviewLink(func(conversationID string) string {
			return base + "/doctors/me/followups/" + conversationID
		}))
	}
	sender := BuildPatientSender(cfg, a.Messaging, logger)
	a.Engine = followup.NewEngine(a.Store, a.Publisher, sender, logger, engineOpts...)

	// Extraction and drafting.
	var s3Client *s3.Client
	if cfg.AttachmentsBucket != "" || cfg.ArchiveBucket != "" {
		s3Client = s3.NewFromConfig(awsCfg)
	}
	llm, closeLLM := BuildLLMClient(ctx, cfg, &awsCfg, logger)
	a.closers = append(a.closers, closeLLM)
	extractorOpts := []assistant.ExtractorOption{assistant.WithExtractorMetrics(assistantMetrics)}
	if cfg.AttachmentsBucket != "" {
		a.Media = attachments.NewS3Archiver(s3Client, cfg.AttachmentsBucket, cfg.TwilioAccountSID, cfg.TwilioAuthToken, logger)
		extractorOpts = append(extractorOpts, assistant.WithAttachmentFetcher(a.Media))
	}
	extractor := assistant.NewExtractor(llm, cfg.BedrockModelID, logger, extractorOpts...)
	drafter := assistant.NewDrafter(llm, cfg.BedrockModelID, assistantMetrics, logger)
	runner := followup.NewExtractionRunner(a.Engine, extractor, drafter, cfg.ModelTimeout, logger)

	// Booking.
	tokens := BuildTokenStore(redisClient)
	manual := booking.NewManualHandoff(notify.Mailer{Sender: email}, logger)
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" && cfg.AdminJWTSecret != "" {
		a.OAuth = booking.NewOAuthFlow(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.OAuthCallbackURL(), []byte(cfg.AdminJWTSecret))
		a.Calendar = booking.NewGoogleCalendarScheduler(a.OAuth, tokens, logger,
			booking.WithAppointmentDuration(cfg.AppointmentDuration),
			booking.WithLocation(reminderLocation(cfg, logger)),
		)
	} else {
		logger.Warn("google calendar not configured; bookings go to manual handoff")
	}
	scheduler := booking.NewRouter(a.Calendar, tokens, manual)
	trigger := followup.NewSchedulingTrigger(a.Engine, scheduler, cfg.BookingTimeout, logger)

	a.Worker = followup.NewWorker(a.Engine, runner, trigger, a.Queue, jobUpdater, logger,
		followup.WithWorkerCount(cfg.WorkerCount),
	)

	sweeperOpts := []reminders.Option{
		reminders.WithConcurrency(cfg.ReminderConcurrency),
		reminders.WithLocation(reminderLocation(cfg, logger)),
		reminders.WithMetrics(reminderMetrics),
	}
	if cfg.ArchiveBucket != "" {
		sweeperOpts = append(sweeperOpts, reminders.WithArchive(a.Store, archive.NewStore(s3Client, cfg.ArchiveBucket, logger), cfg.ArchiveAfter))
	}
	a.Sweeper = reminders.NewSweeper(a.Directory, a.Engine, logger, sweeperOpts...)

	return a, nil
}

// Router builds the HTTP surface: webhook, doctor API, OAuth callback and metrics.
func (a *App) Router() http.Handler {
	cfg := a.Config
	handlerOpts := []messaging.HandlerOption{messaging.WithHandlerMetrics(a.Messaging)}
	if a.Media != nil {
		handlerOpts = append(handlerOpts, messaging.WithMediaArchiver(a.Media))
	}
	routerCfg := &router.Config{
		Logger:             a.Logger,
		MessagingHandler:   messaging.NewHandler(cfg.TwilioWebhookSecret, a.Publisher, a.Directory, a.Engine, a.Logger, handlerOpts...),
		FollowUpHandler:    handlers.NewFollowUpHandler(a.Engine, a.Directory, a.Feed, a.Logger),
		DirectoryHandler:   handlers.NewDirectoryHandler(a.Directory, a.Logger),
		MetricsHandler:     promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		DoctorAuthSecret:   cfg.DoctorJWTSecret,
		AdminAuthSecret:    cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		WebhookRate:        cfg.WebhookRateLimit,
		WebhookBurst:       cfg.WebhookRateBurst,
		DoctorRate:         cfg.DoctorRateLimit,
		DoctorBurst:        cfg.DoctorRateBurst,
	}
	if a.OAuth != nil {
		routerCfg.CalendarHandler = handlers.NewCalendarHandler(a.Calendar, a.OAuth, a.Engine, a.Logger)
	}
	return router.New(routerCfg)
}

// RunReminders sweeps on every tick until ctx is cancelled.
// InProcessQueue reports whether jobs stay in this process, in which case the
// caller must run the worker itself.
func (a *App) InProcessQueue() bool {
	_, ok := a.Queue.(*followup.MemoryQueue)
	return ok
}

func (a *App) RunReminders(ctx context.Context, interval time.Duration) {
	a.Sweeper.Run(ctx, interval)
}

// Close releases pools and clients in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func reminderLocation(cfg *appconfig.Config, logger *logging.Logger) *time.Location {
	loc, err := time.LoadLocation(cfg.ReminderTimezone)
	if err != nil {
		logger.Warn("invalid REMINDER_TIMEZONE; using UTC", "timezone", cfg.ReminderTimezone, "error", err)
		return time.UTC
	}
	return loc
}

package authcache

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"authcache/admin"
	"authcache/internal/events"
	"authcache/internal/otp"
	"authcache/jobs"
	"authcache/kv"
	"authcache/ratelimit"
	"authcache/token"
	"authcache/usercache"
)

// Builder assembles an Engine. Redis client and UserProvider are
// required; everything else has a default.
type Builder struct {
	config Config

	redis    redis.UniversalClient
	provider UserProvider
	sender   NotificationSender
	verifier CredentialVerifier
	minter   token.Minter
	logger   *zap.Logger
	reg      prometheus.Registerer
	sink     EventSink

	jobHandlers map[string]jobs.Handler

	built bool
}

// New starts a Builder with the default configuration.
func New() *Builder {
	return &Builder{
		config:      defaultConfig(),
		jobHandlers: make(map[string]jobs.Handler),
	}
}

// WithConfig replaces the configuration. Zero fields keep their defaults.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = normalizeConfig(cfg)
	return b
}

// WithRedis injects the shared Redis client. The builder never constructs
// or owns a connection; lifecycle stays with the caller.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserProvider injects the primary datastore collaborator.
func (b *Builder) WithUserProvider(provider UserProvider) *Builder {
	b.provider = provider
	return b
}

// WithNotificationSender injects the outbound notification collaborator.
// Without one, the built-in notification job types are not registered.
func (b *Builder) WithNotificationSender(sender NotificationSender) *Builder {
	b.sender = sender
	return b
}

// WithCredentialVerifier replaces the default bcrypt verifier.
func (b *Builder) WithCredentialVerifier(verifier CredentialVerifier) *Builder {
	b.verifier = verifier
	return b
}

// WithTokenMinter replaces the default opaque random token minter, e.g.
// with token.NewJWTMinter.
func (b *Builder) WithTokenMinter(minter token.Minter) *Builder {
	b.minter = minter
	return b
}

// WithLogger injects the structured logger. Default is a no-op logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithMetrics registers the engine collectors against reg.
func (b *Builder) WithMetrics(reg prometheus.Registerer) *Builder {
	b.reg = reg
	return b
}

// WithEventSink enables the async event stream.
func (b *Builder) WithEventSink(sink EventSink) *Builder {
	b.sink = sink
	return b
}

// WithJobHandler registers a custom job type alongside the built-in
// notification types.
func (b *Builder) WithJobHandler(jobType string, handler jobs.Handler) *Builder {
	b.jobHandlers[jobType] = handler
	return b
}

// Build wires the components and starts the worker pool and event
// dispatcher. The returned Engine must be Closed to stop them.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if b.provider == nil {
		return nil, errors.New("user provider is required")
	}
	b.built = true

	cfg := normalizeConfig(b.config)
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	verifier := b.verifier
	if verifier == nil {
		verifier = BcryptVerifier{}
	}

	store := kv.NewRedisStore(b.redis)
	metrics := newMetrics(b.reg)
	dispatcher := events.NewDispatcher(events.Config{
		BufferSize: cfg.Events.BufferSize,
		DropIfFull: !cfg.Events.BlockWhenFull,
	}, b.sink)

	queue := jobs.New(b.redis, jobs.Config{
		Prefix:          nsJobs,
		Workers:         cfg.Jobs.Workers,
		MaxAttempts:     cfg.Jobs.MaxAttempts,
		BackoffBase:     cfg.Jobs.BackoffBase,
		BackoffCap:      cfg.Jobs.BackoffCap,
		HandlerTimeout:  cfg.Jobs.HandlerTimeout,
		PollInterval:    cfg.Jobs.PollInterval,
		StatusRetention: cfg.Jobs.StatusRetention,
	}, logger.Named("jobs"), &queueObserver{metrics: metrics, dispatcher: dispatcher})

	engine := &Engine{
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		events:   dispatcher,
		provider: b.provider,
		verifier: verifier,
		cache: usercache.New(store, usercache.Config{
			Prefix:           nsUser,
			ActivityPrefix:   nsActivity,
			RegularThreshold: cfg.Cache.RegularThreshold,
			ActiveThreshold:  cfg.Cache.ActiveThreshold,
			BaseTTL:          cfg.Cache.BaseTTL,
			RegularTTL:       cfg.Cache.RegularTTL,
			ActiveTTL:        cfg.Cache.ActiveTTL,
			ActivityTTL:      cfg.Cache.ActivityTTL,
		}),
		tokens: token.NewRegistry(store, b.minter, token.Config{
			Prefix:      nsToken,
			IndexPrefix: nsTokenIdx,
			TTL:         cfg.Token.TTL,
		}),
		limiter: ratelimit.New(store, ratelimit.Config{
			Prefix: nsRateLimit,
			Policy: limiterPolicy(cfg.RateLimit.FailClosed),
		}),
		otp: otp.New(store, otp.Config{
			Prefix: nsOTP,
			Digits: cfg.OTP.Digits,
			TTL:    cfg.OTP.TTL,
		}),
		queue: queue,
		flusher: admin.New(store, []string{
			nsUser, nsActivity, nsToken, nsTokenIdx, nsRateLimit, nsOTP,
		}),
		identityFlusher: admin.New(store, []string{
			nsUser, nsActivity, nsRateLimit, nsOTP,
		}),
	}

	if b.sender != nil {
		forward := func(ctx context.Context, payload []byte) error {
			return b.sender.Send(ctx, payload)
		}
		for _, jobType := range []string{JobTypeOTPEmail, JobTypeResetSuccessEmail, JobTypeNotification} {
			if err := queue.Register(jobType, forward); err != nil {
				return nil, err
			}
		}
	}
	for jobType, handler := range b.jobHandlers {
		if err := queue.Register(jobType, handler); err != nil {
			return nil, err
		}
	}

	queue.Start()
	return engine, nil
}

func limiterPolicy(failClosed bool) ratelimit.Policy {
	if failClosed {
		return ratelimit.FailClosed
	}
	return ratelimit.FailOpen
}

// queueObserver fans job lifecycle notifications into metrics and the
// event stream.
type queueObserver struct {
	metrics    *Metrics
	dispatcher *events.Dispatcher
}

func (o *queueObserver) JobDone(jobType string) {
	o.metrics.JobDone(jobType)
}

func (o *queueObserver) JobRetried(jobType string) {
	o.metrics.JobRetried(jobType)
}

func (o *queueObserver) JobDeadLettered(jobType string) {
	o.metrics.JobDeadLettered(jobType)
	o.dispatcher.Emit(context.Background(), events.Event{
		Kind:   events.KindJobDeadLetter,
		Detail: jobType,
	})
}

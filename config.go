package authcache

import "time"

// Config is the explicit tunable surface. Every component receives its
// slice of this at construction; nothing reads globals. The zero value is
// usable: Build normalizes it to the defaults below.
type Config struct {
	// StoreTimeout bounds each key-value store round trip issued from the
	// request path.
	StoreTimeout time.Duration

	// MultiSession allows several active tokens per identity. When unset,
	// every successful Authenticate first revokes all prior tokens, so at
	// most one survives. The field is inverted so the zero value keeps the
	// single-session default, like every other zero field.
	MultiSession bool

	Cache     CacheConfig
	Token     TokenConfig
	RateLimit RateLimitConfig
	Jobs      JobsConfig
	OTP       OTPConfig
	Events    EventsConfig
}

// CacheConfig holds the activity tiering scheme for the identity cache.
// Thresholds are exclusive lower bounds: count > ActiveThreshold picks
// ActiveTTL, count > RegularThreshold picks RegularTTL, else BaseTTL.
type CacheConfig struct {
	RegularThreshold int
	ActiveThreshold  int
	BaseTTL          time.Duration
	RegularTTL       time.Duration
	ActiveTTL        time.Duration
	ActivityTTL      time.Duration
}

// TokenConfig holds session token issuance settings.
type TokenConfig struct {
	TTL time.Duration
}

// RateLimitConfig holds the cooldown windows and the store-outage policy.
type RateLimitConfig struct {
	// FailClosed denies limited actions while the store is unreachable.
	// Default false (fail-open): an outage must not lock users out of
	// password resets, at the cost of cooldowns not being enforced for
	// its duration.
	FailClosed bool
	// ForgotPasswordWindow is the per-email cooldown between reset
	// requests.
	ForgotPasswordWindow time.Duration
}

// JobsConfig holds the worker pool and retry settings.
type JobsConfig struct {
	Workers         int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	HandlerTimeout  time.Duration
	PollInterval    time.Duration
	StatusRetention time.Duration
}

// OTPConfig holds one-time reset code settings.
type OTPConfig struct {
	Digits int
	TTL    time.Duration
}

// EventsConfig holds the async event dispatcher settings.
type EventsConfig struct {
	BufferSize int
	// BlockWhenFull makes emitters wait on a saturated buffer instead of
	// shedding events. Unset means drop-if-full, the default.
	BlockWhenFull bool
}

func defaultConfig() Config {
	return Config{
		StoreTimeout: 2 * time.Second,
		Cache: CacheConfig{
			RegularThreshold: 5,
			ActiveThreshold:  20,
			BaseTTL:          24 * time.Hour,
			RegularTTL:       7 * 24 * time.Hour,
			ActiveTTL:        30 * 24 * time.Hour,
			ActivityTTL:      30 * 24 * time.Hour,
		},
		Token: TokenConfig{
			TTL: 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			ForgotPasswordWindow: 5 * time.Minute,
		},
		Jobs: JobsConfig{
			Workers:         2,
			MaxAttempts:     5,
			BackoffBase:     time.Second,
			BackoffCap:      5 * time.Minute,
			HandlerTimeout:  30 * time.Second,
			PollInterval:    time.Second,
			StatusRetention: 24 * time.Hour,
		},
		OTP: OTPConfig{
			Digits: 6,
			TTL:    10 * time.Minute,
		},
		Events: EventsConfig{
			BufferSize: 64,
		},
	}
}

func normalizeConfig(cfg Config) Config {
	def := defaultConfig()
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.Cache.RegularThreshold == 0 {
		cfg.Cache.RegularThreshold = def.Cache.RegularThreshold
	}
	if cfg.Cache.ActiveThreshold == 0 {
		cfg.Cache.ActiveThreshold = def.Cache.ActiveThreshold
	}
	if cfg.Cache.BaseTTL == 0 {
		cfg.Cache.BaseTTL = def.Cache.BaseTTL
	}
	if cfg.Cache.RegularTTL == 0 {
		cfg.Cache.RegularTTL = def.Cache.RegularTTL
	}
	if cfg.Cache.ActiveTTL == 0 {
		cfg.Cache.ActiveTTL = def.Cache.ActiveTTL
	}
	if cfg.Cache.ActivityTTL == 0 {
		cfg.Cache.ActivityTTL = def.Cache.ActivityTTL
	}
	if cfg.Token.TTL == 0 {
		cfg.Token.TTL = def.Token.TTL
	}
	if cfg.RateLimit.ForgotPasswordWindow == 0 {
		cfg.RateLimit.ForgotPasswordWindow = def.RateLimit.ForgotPasswordWindow
	}
	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = def.Jobs.Workers
	}
	if cfg.Jobs.MaxAttempts == 0 {
		cfg.Jobs.MaxAttempts = def.Jobs.MaxAttempts
	}
	if cfg.Jobs.BackoffBase == 0 {
		cfg.Jobs.BackoffBase = def.Jobs.BackoffBase
	}
	if cfg.Jobs.BackoffCap == 0 {
		cfg.Jobs.BackoffCap = def.Jobs.BackoffCap
	}
	if cfg.Jobs.HandlerTimeout == 0 {
		cfg.Jobs.HandlerTimeout = def.Jobs.HandlerTimeout
	}
	if cfg.Jobs.PollInterval == 0 {
		cfg.Jobs.PollInterval = def.Jobs.PollInterval
	}
	if cfg.Jobs.StatusRetention == 0 {
		cfg.Jobs.StatusRetention = def.Jobs.StatusRetention
	}
	if cfg.OTP.Digits == 0 {
		cfg.OTP.Digits = def.OTP.Digits
	}
	if cfg.OTP.TTL == 0 {
		cfg.OTP.TTL = def.OTP.TTL
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = def.Events.BufferSize
	}
	return cfg
}

// Key-space namespaces, one per cache family.
const (
	nsUser      = "user"
	nsActivity  = "activity"
	nsToken     = "tok"
	nsTokenIdx  = "toki"
	nsRateLimit = "rl"
	nsOTP       = "otp"
	nsJobs      = "jobs"
)

package client

import (
	"crypto/tls"
	"time"
)

// ClientOptions configures connectors, pools and batch execution. The zero
// value is not useful; start from DefaultOptions or NewOptions.
type ClientOptions struct {
	// ConnString is a libpq URL or keyword/value connection string. Anything
	// pgx accepts works, including sslmode and the PG* environment fallbacks.
	ConnString string

	// DefaultTimeoutMs bounds every command that does not set its own
	// timeout. Zero disables it. Default 30000.
	DefaultTimeoutMs int

	// DebugMode serializes errors as JSON with their full cause chain and
	// logs every statement and parameter.
	DebugMode bool

	// Auto-preparation. A statement whose SQL has been executed
	// AutoPrepareMinUsages times is prepared on the server and executed by
	// name from then on; MaxAutoPrepare bounds how many such statements a
	// connector keeps before the least recently used one is deallocated.
	// AutoPrepareMinUsages 0 turns the feature off. Defaults 5 and 20.
	AutoPrepareMinUsages int
	MaxAutoPrepare       int

	// StatementCapacity preallocates the statement list of new batches. Default 5.
	StatementCapacity int

	// TransactionTimeout rolls back transactions left open longer than this.
	// Default 5m.
	TransactionTimeout time.Duration

	// Pool sizing. Defaults 1, 10, 30s and 30s.
	PoolMinSize         int
	PoolMaxSize         int
	PoolIdleTimeout     time.Duration
	HealthCheckInterval time.Duration

	// TLS. TLSConfig wins over every other field. Without either TLSConfig
	// or TLSEnabled the connection string's sslmode decides.
	TLSConfig             *tls.Config
	TLSEnabled            bool
	TLSInsecureSkipVerify bool
	TLSCAFile             string
	TLSCertFile           string
	TLSKeyFile            string

	// Logger receives connector, pool and hook logs. When nil a JSON
	// logger at LogLevel writes to stdout.
	Logger   Logger
	LogLevel string
}

// Option adjusts ClientOptions.
type Option func(*ClientOptions)

// DefaultOptions returns ClientOptions with default values.
func DefaultOptions() ClientOptions {
	return ClientOptions{
		DefaultTimeoutMs:     30000,
		AutoPrepareMinUsages: 5,
		MaxAutoPrepare:       20,
		StatementCapacity:    5,
		TransactionTimeout:   5 * time.Minute,
		PoolMinSize:          1,
		PoolMaxSize:          10,
		PoolIdleTimeout:      30 * time.Second,
		HealthCheckInterval:  30 * time.Second,
		LogLevel:             "INFO",
	}
}

// NewOptions returns DefaultOptions with opts applied in order.
func NewOptions(opts ...Option) ClientOptions {
	o := DefaultOptions()
	o.Apply(opts...)
	return o
}

// Apply runs opts against o.
func (o *ClientOptions) Apply(opts ...Option) {
	for _, fn := range opts {
		if fn != nil {
			fn(o)
		}
	}
}

// WithConnString sets the server to connect to.
func WithConnString(s string) Option {
	return func(o *ClientOptions) { o.ConnString = s }
}

// WithTimeout sets the default command timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(o *ClientOptions) { o.DefaultTimeoutMs = int(d / time.Millisecond) }
}

// WithAutoPrepare sets the auto-preparation threshold and cache size.
func WithAutoPrepare(minUsages, maxStatements int) Option {
	return func(o *ClientOptions) {
		o.AutoPrepareMinUsages = minUsages
		o.MaxAutoPrepare = maxStatements
	}
}

// WithoutAutoPrepare disables auto-preparation; only explicitly prepared
// statements run by name.
func WithoutAutoPrepare() Option {
	return func(o *ClientOptions) { o.AutoPrepareMinUsages = 0 }
}

// WithPool sets the pool bounds.
func WithPool(minSize, maxSize int) Option {
	return func(o *ClientOptions) {
		o.PoolMinSize = minSize
		o.PoolMaxSize = maxSize
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(o *ClientOptions) { o.Logger = l }
}

// WithDebug enables debug mode and DEBUG logging.
func WithDebug() Option {
	return func(o *ClientOptions) {
		o.DebugMode = true
		o.LogLevel = "DEBUG"
	}
}

// WithTLSFiles enables TLS with a CA bundle and an optional client key pair.
func WithTLSFiles(caFile, certFile, keyFile string) Option {
	return func(o *ClientOptions) {
		o.TLSEnabled = true
		o.TLSCAFile = caFile
		o.TLSCertFile = certFile
		o.TLSKeyFile = keyFile
	}
}

// DefaultTimeout returns DefaultTimeoutMs as a duration.
func (o ClientOptions) DefaultTimeout() time.Duration {
	return time.Duration(o.DefaultTimeoutMs) * time.Millisecond
}

func (o ClientOptions) tlsRequested() bool {
	return o.TLSConfig != nil || o.TLSEnabled
}

func (o ClientOptions) logger() Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return NewLogger(o.LogLevel, nil)
}

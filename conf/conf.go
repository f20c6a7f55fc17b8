package conf

import (
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/compress"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"time"
)

const (
	DefaultProtocol             = "tcp"
	DefaultEndpointTimeout      = 60 * time.Second
	DefaultConnectTimeout       = 10 * time.Second
	DefaultCloseTimeout         = 10 * time.Second
	DefaultBatchAutoFlushSize   = 1024 * 1024
	DefaultMessageSizeMax       = 1024 * 1024
	DefaultDatagramMaxSize      = 65535 - udpOverhead
	DefaultCompressionType      = "lz4"
	DefaultCompressionThreshold = 100
	DefaultLocatorCacheSize     = 1000
	DefaultThreadPoolSize       = 16
	DefaultResolverQueueWarn    = 1000

	// IP header (20 bytes) + UDP header (8 bytes)
	udpOverhead = 20 + 8
)

var DefaultRetryIntervals = []time.Duration{0}

type Config struct {
	RetryIntervals       []time.Duration `help:"Delays between successive retries of a failed invocation. A single negative value disables retries" name:"retry-intervals"`
	BatchAutoFlushSize   *int            `help:"Batched requests are flushed automatically once the batch reaches this size in bytes. 0 disables auto-flush" name:"batch-auto-flush-size"`
	DatagramMaxSize      int             `help:"Maximum size of a datagram, auto-flush of datagram batches is clamped to this" name:"datagram-max-size"`
	MessageSizeMax       int             `help:"Maximum size of a protocol message in bytes" name:"message-size-max"`
	DefaultProtocol      string          `help:"Protocol used for endpoints specified with the 'default' protocol" name:"default-protocol"`
	DefaultHost          string          `help:"Host used for endpoints which do not specify one" name:"default-host"`
	DefaultTimeout       time.Duration   `help:"Endpoint timeout used when an endpoint does not specify one. Negative means infinite" name:"default-timeout"`
	ConnectTimeout       time.Duration   `help:"Maximum time to wait for connection establishment. Negative means use the endpoint timeout" name:"connect-timeout"`
	CloseTimeout         time.Duration   `help:"Maximum time to wait for a graceful close to complete" name:"close-timeout"`
	CacheConnection      *bool           `help:"Whether proxies cache their connection" name:"cache-connection"`
	CollocationOptimized *bool           `help:"Whether invocations on objects hosted in this process bypass the network" name:"collocation-optimized"`
	EnableIPv4           *bool           `help:"Resolve and connect to IPv4 addresses" name:"ipv4"`
	EnableIPv6           bool            `help:"Resolve and connect to IPv6 addresses" name:"ipv6"`
	PreferIPv6           bool            `help:"Order IPv6 addresses before IPv4 addresses" name:"prefer-ipv6"`
	SOCKSProxyHost       string          `help:"Host of a SOCKS5 proxy used for outgoing connections" name:"socks-proxy-host"`
	SOCKSProxyPort       int             `help:"Port of the SOCKS5 proxy" name:"socks-proxy-port"`
	CompressionType      string          `help:"Codec used to compress messages" enum:"none,gzip,snappy,lz4,zstd,"`
	CompressionThreshold int             `help:"Messages smaller than this are never compressed" name:"compression-threshold"`
	ResolverCacheTTL     time.Duration   `help:"How long resolved host addresses are cached. 0 disables the cache" name:"resolver-cache-ttl"`
	LocatorCacheSize     int             `help:"Maximum number of entries in the locator lookup cache" name:"locator-cache-size"`
	ThreadPoolSize       int             `help:"Maximum number of concurrently executing completion and dispatch tasks" name:"thread-pool-size"`
	TraceLevels          log.TraceLevels `embed:"" prefix:"trace-"`
}

func NewDefaultConfig() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.RetryIntervals == nil {
		c.RetryIntervals = append([]time.Duration(nil), DefaultRetryIntervals...)
	}
	if c.BatchAutoFlushSize == nil {
		c.BatchAutoFlushSize = common.AddressOf(DefaultBatchAutoFlushSize)
	}
	if c.DatagramMaxSize == 0 {
		c.DatagramMaxSize = DefaultDatagramMaxSize
	}
	if c.MessageSizeMax == 0 {
		c.MessageSizeMax = DefaultMessageSizeMax
	}
	if c.DefaultProtocol == "" {
		c.DefaultProtocol = DefaultProtocol
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = DefaultEndpointTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.CacheConnection == nil {
		c.CacheConnection = common.AddressOf(true)
	}
	if c.CollocationOptimized == nil {
		c.CollocationOptimized = common.AddressOf(true)
	}
	if c.EnableIPv4 == nil {
		c.EnableIPv4 = common.AddressOf(true)
	}
	if c.CompressionType == "" {
		c.CompressionType = DefaultCompressionType
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = DefaultCompressionThreshold
	}
	if c.LocatorCacheSize == 0 {
		c.LocatorCacheSize = DefaultLocatorCacheSize
	}
	if c.ThreadPoolSize == 0 {
		c.ThreadPoolSize = DefaultThreadPoolSize
	}
}

// EffectiveRetryIntervals returns the retry table with the "disabled" marker removed.
func (c *Config) EffectiveRetryIntervals() []time.Duration {
	if len(c.RetryIntervals) == 1 && c.RetryIntervals[0] < 0 {
		return nil
	}
	return c.RetryIntervals
}

func (c *Config) Validate() error { //nolint:gocyclo
	if len(c.RetryIntervals) > 1 {
		for _, interval := range c.RetryIntervals {
			if interval < 0 {
				return errors.NewInvalidConfigurationError("retry-intervals must be >= 0 unless a single negative value is used to disable retries")
			}
		}
	}
	if c.BatchAutoFlushSize != nil && *c.BatchAutoFlushSize < 0 {
		return errors.NewInvalidConfigurationError("batch-auto-flush-size must be >= 0")
	}
	if c.DatagramMaxSize < 0 {
		return errors.NewInvalidConfigurationError("datagram-max-size must be >= 0")
	}
	if c.MessageSizeMax < 0 {
		return errors.NewInvalidConfigurationError("message-size-max must be >= 0")
	}
	if c.DefaultProtocol == "" || c.DefaultProtocol == "default" {
		return errors.NewInvalidConfigurationError("default-protocol must name a transport")
	}
	if c.CloseTimeout < 0 {
		return errors.NewInvalidConfigurationError("close-timeout must be >= 0")
	}
	if c.EnableIPv4 != nil && !*c.EnableIPv4 && !c.EnableIPv6 {
		return errors.NewInvalidConfigurationError("at least one of ipv4 or ipv6 must be enabled")
	}
	if c.SOCKSProxyHost != "" && (c.SOCKSProxyPort <= 0 || c.SOCKSProxyPort > 65535) {
		return errors.NewInvalidConfigurationError("socks-proxy-port must be in the range 1-65535 when socks-proxy-host is set")
	}
	if compress.FromString(c.CompressionType) == compress.CompressionTypeUnknown {
		return errors.NewInvalidConfigurationError("compression-type must be one of none, gzip, snappy, lz4, zstd")
	}
	if c.CompressionThreshold < 0 {
		return errors.NewInvalidConfigurationError("compression-threshold must be >= 0")
	}
	if c.ResolverCacheTTL < 0 {
		return errors.NewInvalidConfigurationError("resolver-cache-ttl must be >= 0")
	}
	if c.LocatorCacheSize < 0 {
		return errors.NewInvalidConfigurationError("locator-cache-size must be >= 0")
	}
	if c.ThreadPoolSize < 1 {
		return errors.NewInvalidConfigurationError("thread-pool-size must be > 0")
	}
	return nil
}

package conf

import (
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/errors"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

type configPair struct {
	errMsg string
	conf   Config
}

func validConf() Config {
	return NewDefaultConfig()
}

func invalidRetryIntervalsConf() Config {
	cnf := validConf()
	cnf.RetryIntervals = []time.Duration{0, -1}
	return cnf
}

func invalidBatchAutoFlushSizeConf() Config {
	cnf := validConf()
	cnf.BatchAutoFlushSize = common.AddressOf(-1)
	return cnf
}

func invalidDefaultProtocolConf() Config {
	cnf := validConf()
	cnf.DefaultProtocol = "default"
	return cnf
}

func invalidIPConf() Config {
	cnf := validConf()
	cnf.EnableIPv4 = common.AddressOf(false)
	cnf.EnableIPv6 = false
	return cnf
}

func invalidSocksPortConf() Config {
	cnf := validConf()
	cnf.SOCKSProxyHost = "proxy.example.com"
	cnf.SOCKSProxyPort = 0
	return cnf
}

func invalidCompressionTypeConf() Config {
	cnf := validConf()
	cnf.CompressionType = "bzip2"
	return cnf
}

func invalidThreadPoolSizeConf() Config {
	cnf := validConf()
	cnf.ThreadPoolSize = -1
	return cnf
}

func invalidResolverCacheTTLConf() Config {
	cnf := validConf()
	cnf.ResolverCacheTTL = -time.Second
	return cnf
}

var invalidConfigs = []configPair{
	{"invalid configuration: retry-intervals must be >= 0 unless a single negative value is used to disable retries", invalidRetryIntervalsConf()},
	{"invalid configuration: batch-auto-flush-size must be >= 0", invalidBatchAutoFlushSizeConf()},
	{"invalid configuration: default-protocol must name a transport", invalidDefaultProtocolConf()},
	{"invalid configuration: at least one of ipv4 or ipv6 must be enabled", invalidIPConf()},
	{"invalid configuration: socks-proxy-port must be in the range 1-65535 when socks-proxy-host is set", invalidSocksPortConf()},
	{"invalid configuration: compression-type must be one of none, gzip, snappy, lz4, zstd", invalidCompressionTypeConf()},
	{"invalid configuration: thread-pool-size must be > 0", invalidThreadPoolSizeConf()},
	{"invalid configuration: resolver-cache-ttl must be >= 0", invalidResolverCacheTTLConf()},
}

func TestValidate(t *testing.T) {
	for _, cp := range invalidConfigs {
		err := cp.conf.Validate()
		require.Error(t, err)
		var rerr errors.RpcError
		require.True(t, errors.As(err, &rerr))
		require.Equal(t, errors.InvalidConfiguration, rerr.Code)
		require.Equal(t, cp.errMsg, rerr.Msg)
	}
}

func TestValidConf(t *testing.T) {
	cnf := validConf()
	require.NoError(t, cnf.Validate())
}

func TestDefaults(t *testing.T) {
	cnf := Config{}
	cnf.ApplyDefaults()
	require.Equal(t, DefaultRetryIntervals, cnf.RetryIntervals)
	require.Equal(t, DefaultBatchAutoFlushSize, *cnf.BatchAutoFlushSize)
	require.Equal(t, DefaultProtocol, cnf.DefaultProtocol)
	require.True(t, *cnf.CacheConnection)
	require.True(t, *cnf.CollocationOptimized)
	require.Equal(t, DefaultEndpointTimeout, cnf.DefaultTimeout)

	// Explicit values are kept
	cnf = Config{BatchAutoFlushSize: common.AddressOf(0), CacheConnection: common.AddressOf(false)}
	cnf.ApplyDefaults()
	require.Equal(t, 0, *cnf.BatchAutoFlushSize)
	require.False(t, *cnf.CacheConnection)
}

func TestEffectiveRetryIntervals(t *testing.T) {
	cnf := validConf()
	require.Equal(t, []time.Duration{0}, cnf.EffectiveRetryIntervals())
	cnf.RetryIntervals = []time.Duration{-1}
	require.NoError(t, cnf.Validate())
	require.Empty(t, cnf.EffectiveRetryIntervals())
	cnf.RetryIntervals = []time.Duration{0, 100 * time.Millisecond, time.Second}
	require.Len(t, cnf.EffectiveRetryIntervals(), 3)
}

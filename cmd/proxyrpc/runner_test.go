package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"github.com/spirit-labs/proxyrpc/conf"
	"github.com/spirit-labs/proxyrpc/errors"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigFile(t *testing.T) {
	r := &runner{}
	cfg, command, err := r.loadConfig([]string{"--config", "testdata/config.hcl", "endpoint", "tcp -p 1000"})
	require.NoError(t, err)
	require.Equal(t, "endpoint <endpoint>", command)
	require.Equal(t, 2*time.Second, cfg.RPC.CloseTimeout)
	require.Equal(t, 4, cfg.RPC.ThreadPoolSize)
	require.Equal(t, 10, cfg.RPC.LocatorCacheSize)
	require.Equal(t, "zstd", cfg.RPC.CompressionType)
	require.Equal(t, 1, cfg.RPC.TraceLevels.Network)
	// Settings missing from the file get their defaults
	require.Equal(t, conf.DefaultMessageSizeMax, cfg.RPC.MessageSizeMax)
	require.Equal(t, conf.DefaultRetryIntervals, cfg.RPC.RetryIntervals)
	require.Equal(t, "tcp -p 1000", cfg.Endpoint.Endpoint)
}

func TestFlagsOverrideDefaults(t *testing.T) {
	r := &runner{}
	cfg, command, err := r.loadConfig([]string{"--thread-pool-size", "2", "ping", "--count", "3"})
	require.NoError(t, err)
	require.Equal(t, "ping", command)
	require.Equal(t, 2, cfg.RPC.ThreadPoolSize)
	require.Equal(t, 3, cfg.Ping.Count)
	require.Equal(t, "echo:tcp -h 127.0.0.1 -p 10000", cfg.Ping.Proxy)
}

func TestInvalidConfig(t *testing.T) {
	r := &runner{}
	_, _, err := r.loadConfig([]string{"--compression-threshold=-1", "serve"})
	require.Error(t, err)
	require.True(t, errors.HasCode(err, errors.InvalidConfiguration))
}

func TestEndpointCommand(t *testing.T) {
	out := &bytes.Buffer{}
	r := &runner{out: out}
	cfg, command, err := r.loadConfig([]string{"endpoint", "tcp -h 127.0.0.1 -p 1000 -z"})
	require.NoError(t, err)
	require.NoError(t, r.run(context.Background(), cfg, command))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "tcp -h 127.0.0.1 -p 1000"), lines[0])
	require.Contains(t, lines[0], "-z")
	_, err = hex.DecodeString(lines[1])
	require.NoError(t, err)

	cfg, command, err = r.loadConfig([]string{"endpoint", "tcp -h 127.0.0.1 -p notaport"})
	require.NoError(t, err)
	err = r.run(context.Background(), cfg, command)
	require.True(t, errors.HasCode(err, errors.EndpointParse))
}

func TestServeAndPing(t *testing.T) {
	server := &runner{}
	cfg, _, err := server.loadConfig([]string{"serve", "--endpoints", "tcp -h 127.0.0.1 -p 0"})
	require.NoError(t, err)
	prx, err := server.start(cfg)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, server.comm.Destroy())
	}()

	out := &bytes.Buffer{}
	client := &runner{out: out}
	cfg, command, err := client.loadConfig([]string{"ping", "--proxy", prx.String(), "--count", "3"})
	require.NoError(t, err)
	require.NoError(t, client.run(context.Background(), cfg, command))
	require.Equal(t, 3, strings.Count(out.String(), "reply from echo"))
	require.Contains(t, out.String(), "3 invocations")
}

func TestServeStopsOnCancel(t *testing.T) {
	r := &runner{}
	cfg, command, err := r.loadConfig([]string{"serve", "--endpoints", "tcp -h 127.0.0.1 -p 0"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.run(ctx, cfg, command))
}

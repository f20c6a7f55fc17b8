package rpc

import (
	"github.com/spirit-labs/proxyrpc/errors"
	"github.com/spirit-labs/proxyrpc/protocol"
	"github.com/spirit-labs/proxyrpc/transport"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestParseProxyWithEndpoints(t *testing.T) {
	comm := newTestCommunicator(t)
	prx, err := comm.StringToProxy("cat/hello -f fac -o:tcp -h 127.0.0.1 -p 10000:tcp -h 127.0.0.1 -p 10001")
	require.NoError(t, err)
	ref := prx.Reference()
	require.Equal(t, protocol.Identity{Category: "cat", Name: "hello"}, ref.Identity())
	require.Equal(t, "fac", ref.Facet())
	require.Equal(t, ModeOneway, ref.Mode())
	require.Len(t, ref.Endpoints(), 2)
	require.Equal(t, "tcp", ref.Endpoints()[0].Protocol())
	require.False(t, ref.IsIndirect())
	require.Equal(t, "", ref.AdapterID())
}

func TestParseIndirectProxy(t *testing.T) {
	comm := newTestCommunicator(t)
	prx, err := comm.StringToProxy(`hello @ "my adapter"`)
	require.NoError(t, err)
	ref := prx.Reference()
	require.Equal(t, "my adapter", ref.AdapterID())
	require.True(t, ref.IsIndirect())
	require.False(t, ref.IsWellKnown())

	prx, err = comm.StringToProxy("hello")
	require.NoError(t, err)
	require.True(t, prx.Reference().IsWellKnown())
}

func TestParseModes(t *testing.T) {
	comm := newTestCommunicator(t)
	modes := map[string]Mode{
		"-t": ModeTwoway,
		"-o": ModeOneway,
		"-O": ModeBatchOneway,
		"-d": ModeDatagram,
		"-D": ModeBatchDatagram,
	}
	for flag, mode := range modes {
		prx, err := comm.StringToProxy("hello " + flag + " @ adapter")
		require.NoError(t, err, flag)
		require.Equal(t, mode, prx.Mode(), flag)
	}
}

func TestParseProxyErrors(t *testing.T) {
	comm := newTestCommunicator(t)
	cases := map[string]errors.ErrorCode{
		"":                               errors.ProxyParse,
		"   ":                            errors.ProxyParse,
		"hello -x":                       errors.ProxyParse,
		"hello -f":                       errors.ProxyParse,
		"hello -e 2.0":                   errors.ProxyParse,
		"hello @":                        errors.ProxyParse,
		"hello @ a b":                    errors.ProxyParse,
		"a/b/c":                          errors.ProxyParse,
		"hello:":                         errors.EndpointParse,
		"hello:foo -h 127.0.0.1 -p 1000": errors.EndpointParse,
	}
	for s, code := range cases {
		_, err := comm.StringToProxy(s)
		require.Error(t, err, s)
		require.True(t, errors.HasCode(err, code), "%s: %v", s, err)
	}
}

func TestBadEndpointSkipped(t *testing.T) {
	comm := newTestCommunicator(t)
	prx, err := comm.StringToProxy("hello:foo -h 127.0.0.1:tcp -h 127.0.0.1 -p 10000")
	require.NoError(t, err)
	require.Len(t, prx.Reference().Endpoints(), 1)
}

func TestProxyStringRoundTrip(t *testing.T) {
	comm := newTestCommunicator(t)
	for _, s := range []string{
		"hello:tcp -h 127.0.0.1 -p 10000",
		"cat/hello -f facet -O:tcp -h 127.0.0.1 -p 10000 -z:tcp -h localhost -p 10001",
		`hello @ "my adapter"`,
		"hello -o @ adapter",
		"hello -f \"a facet\"",
		"hello:ws -h 127.0.0.1 -p 10000 -r /rpc",
		"hello:opaque -t 99 -v abcd",
	} {
		prx, err := comm.StringToProxy(s)
		require.NoError(t, err, s)
		again, err := comm.StringToProxy(prx.String())
		require.NoError(t, err, prx.String())
		require.True(t, prx.Equal(again), "%s != %s", prx, again)
		require.Equal(t, prx.String(), comm.ProxyToString(again))
	}
}

func TestReferenceDerivations(t *testing.T) {
	comm := newTestCommunicator(t)
	prx, err := comm.StringToProxy("hello:tcp -h 127.0.0.1 -p 10000")
	require.NoError(t, err)

	// Unchanged settings return the same proxy
	require.Same(t, prx, prx.Twoway())
	require.Same(t, prx, prx.WithFacet(""))
	require.Same(t, prx, prx.WithCacheConnection(true))

	oneway := prx.Oneway()
	require.Equal(t, ModeOneway, oneway.Mode())
	require.Equal(t, ModeTwoway, prx.Mode())
	require.False(t, prx.Equal(oneway))
	require.True(t, prx.Equal(oneway.Twoway()))

	compressed := prx.WithCompress(true)
	require.True(t, compressed.Reference().Endpoints()[0].Compress())
	require.False(t, prx.Reference().Endpoints()[0].Compress())
	override, ok := compressed.CompressOverride()
	require.True(t, ok)
	require.True(t, override)
	_, ok = prx.CompressOverride()
	require.False(t, ok)

	timed := prx.WithTimeout(time.Second)
	require.Equal(t, time.Second, timed.Reference().Endpoints()[0].Timeout())

	withID := prx.WithConnectionID("c1")
	require.Equal(t, "c1", withID.Reference().ConnectionID())
	require.Equal(t, "c1", withID.Reference().Endpoints()[0].ConnectionID())
	require.False(t, prx.Equal(withID))

	byAdapter := prx.WithAdapterID("adapter")
	require.Empty(t, byAdapter.Reference().Endpoints())
	require.Equal(t, "adapter", byAdapter.Reference().AdapterID())
	require.Len(t, byAdapter.WithEndpoints(prx.Reference().Endpoints()).Reference().Endpoints(), 1)
	require.Equal(t, "", byAdapter.WithEndpoints(prx.Reference().Endpoints()).Reference().AdapterID())
}

func TestReferenceKeyIgnoresDerivationOrder(t *testing.T) {
	comm := newTestCommunicator(t)
	prx, err := comm.StringToProxy("hello:tcp -h 127.0.0.1 -p 10000")
	require.NoError(t, err)
	p1 := prx.WithCompress(true).WithTimeout(time.Second).WithContext(map[string]string{"a": "1", "b": "2"})
	p2 := prx.WithContext(map[string]string{"b": "2", "a": "1"}).WithTimeout(time.Second).WithCompress(true)
	require.True(t, p1.Equal(p2))
	require.Equal(t, p1.Reference().Key(), p2.Reference().Key())
	require.False(t, p1.Equal(prx))
}

func TestContextIsCopied(t *testing.T) {
	comm := newTestCommunicator(t)
	prx, err := comm.StringToProxy("hello @ adapter")
	require.NoError(t, err)
	ctx := map[string]string{"a": "1"}
	derived := prx.WithContext(ctx)
	ctx["a"] = "2"
	require.Equal(t, "1", derived.Reference().Context()["a"])
}

func TestBatchProxiesHaveOwnQueue(t *testing.T) {
	comm := newTestCommunicator(t)
	prx, err := comm.StringToProxy("hello:tcp -h 127.0.0.1 -p 10000")
	require.NoError(t, err)
	require.Nil(t, prx.Reference().batchQueue)
	b1 := prx.BatchOneway()
	b2 := b1.WithFacet("other")
	require.NotNil(t, b1.Reference().batchQueue)
	require.NotNil(t, b2.Reference().batchQueue)
	require.NotSame(t, b1.Reference().batchQueue, b2.Reference().batchQueue)
}

func TestFilterEndpoints(t *testing.T) {
	comm := newTestCommunicator(t)
	prx, err := comm.StringToProxy(
		"hello:tcp -h 127.0.0.1 -p 10000:tcp -h 127.0.0.1 -p 10001:opaque -t 99 -v abcd:tcp -h 127.0.0.1 -p 10002")
	require.NoError(t, err)
	ref := prx.WithEndpointSelection(SelectOrdered).WithCompress(true).WithConnectionID("c1").Reference()
	filtered := ref.filterEndpoints(ref.Endpoints())
	// The opaque endpoint is dropped, the others keep their order
	expected := []transport.Endpoint{ref.Endpoints()[0], ref.Endpoints()[1], ref.Endpoints()[3]}
	require.Len(t, filtered, 3)
	for i, e := range filtered {
		require.True(t, e.Compress())
		require.Equal(t, "c1", e.ConnectionID())
		require.Equal(t, transport.EndpointKey(expected[i]), transport.EndpointKey(e))
	}

	// Stream endpoints can't be used by datagram proxies
	dg := prx.Datagram().Reference()
	require.Empty(t, dg.filterEndpoints(dg.Endpoints()))
}

func TestRandomSelectionKeepsAllEndpoints(t *testing.T) {
	comm := newTestCommunicator(t)
	prx, err := comm.StringToProxy("hello:tcp -h 127.0.0.1 -p 10000:tcp -h 127.0.0.1 -p 10001:tcp -h 127.0.0.1 -p 10002")
	require.NoError(t, err)
	ref := prx.Reference()
	seen := map[string]struct{}{}
	for _, e := range ref.filterEndpoints(ref.Endpoints()) {
		seen[transport.EndpointKey(e)] = struct{}{}
	}
	require.Len(t, seen, 3)
}

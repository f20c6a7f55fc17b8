//go:build !release

package transporttest

import (
	"context"
	"fmt"
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
	"github.com/spirit-labs/proxyrpc/testutils"
	"github.com/spirit-labs/proxyrpc/transport"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

// Setup returns a factory manager with the transport under test registered, and the protocol name to test.
type Setup func(t *testing.T) (*transport.FactoryManager, string)

type testFunc func(t *testing.T, manager *transport.FactoryManager, protocol string)

type testCase struct {
	caseName string
	f        testFunc
}

var testCases = []testCase{
	{caseName: "testExchange", f: testExchange},
	{caseName: "testMultipleConnections", f: testMultipleConnections},
	{caseName: "testLargeWrite", f: testLargeWrite},
	{caseName: "testPendingReadAbortedOnClose", f: testPendingReadAbortedOnClose},
	{caseName: "testPeerClose", f: testPeerClose},
	{caseName: "testPublishedPort", f: testPublishedPort},
	{caseName: "testStringRoundTrip", f: testStringRoundTrip},
	{caseName: "testBinaryRoundTrip", f: testBinaryRoundTrip},
	{caseName: "testAcceptAfterClose", f: testAcceptAfterClose},
}

func RunTestCases(t *testing.T, setup Setup) {
	for _, tc := range testCases {
		t.Run(tc.caseName, func(t *testing.T) {
			manager, protocol := setup(t)
			defer manager.Destroy()
			tc.f(t, manager, protocol)
		})
	}
}

type pair struct {
	acceptor transport.Acceptor
	client   transport.Transceiver
	server   transport.Transceiver
}

func (p *pair) close(t *testing.T) {
	require.NoError(t, p.client.Close())
	require.NoError(t, p.server.Close())
	require.NoError(t, p.acceptor.Close())
}

func listen(t *testing.T, manager *transport.FactoryManager, protocol string) (transport.Acceptor, transport.Endpoint) {
	e, err := manager.Create(protocol+" -h 127.0.0.1 -p 0", true)
	require.NoError(t, err)
	acceptor, err := e.Acceptor("test")
	require.NoError(t, err)
	require.NotNil(t, acceptor)
	published, err := acceptor.Listen()
	require.NoError(t, err)
	return acceptor, published
}

// Connect resolves the endpoint and establishes a transceiver to the first connector.
func Connect(t *testing.T, e transport.Endpoint) transport.Transceiver {
	type result struct {
		connectors []transport.Connector
		err        error
	}
	ch := make(chan result, 1)
	e.ConnectorsAsync(func(connectors []transport.Connector, err error) {
		ch <- result{connectors: connectors, err: err}
	})
	res := testutils.RequireReceive(t, ch, 5*time.Second)
	require.NoError(t, res.err)
	require.NotEmpty(t, res.connectors)
	tr, err := res.connectors[0].Connect()
	require.NoError(t, err)
	return tr
}

func connectPair(t *testing.T, acceptor transport.Acceptor, published transport.Endpoint) *pair {
	accepted := make(chan transport.Transceiver, 1)
	acceptErr := make(chan error, 1)
	go func() {
		tr, err := acceptor.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		// The server side handshake needs the client's Initialize to run concurrently
		if err := tr.Initialize(context.Background()); err != nil {
			acceptErr <- err
			return
		}
		accepted <- tr
	}()
	client := Connect(t, published)
	require.NoError(t, client.Initialize(context.Background()))
	select {
	case server := <-accepted:
		return &pair{acceptor: acceptor, client: client, server: server}
	case err := <-acceptErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "timed out waiting for accept")
	}
	return nil
}

// ReadFully reads exactly n bytes from the transceiver using the asynchronous read contract.
func ReadFully(tr transport.Transceiver, n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		done := make(chan struct{}, 1)
		if !tr.StartRead(buf[read:], func() { done <- struct{}{} }) {
			<-done
		}
		r, err := tr.FinishRead()
		if err != nil {
			return buf[:read], err
		}
		read += r
	}
	return buf, nil
}

// WriteFully writes all of buf to the transceiver using the asynchronous write contract.
func WriteFully(tr transport.Transceiver, buf []byte) error {
	for len(buf) > 0 {
		done := make(chan struct{}, 1)
		if !tr.StartWrite(buf, func() { done <- struct{}{} }) {
			<-done
		}
		n, err := tr.FinishWrite()
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func testExchange(t *testing.T, manager *transport.FactoryManager, protocol string) {
	acceptor, published := listen(t, manager, protocol)
	p := connectPair(t, acceptor, published)
	defer p.close(t)

	require.Equal(t, protocol, p.client.Protocol())
	require.Equal(t, protocol, p.server.Protocol())
	for i := 0; i < 10; i++ {
		msg := []byte(fmt.Sprintf("request-%d", i))
		require.NoError(t, WriteFully(p.client, msg))
		received, err := ReadFully(p.server, len(msg))
		require.NoError(t, err)
		require.Equal(t, msg, received)

		reply := []byte(fmt.Sprintf("reply-%d", i))
		require.NoError(t, WriteFully(p.server, reply))
		received, err = ReadFully(p.client, len(reply))
		require.NoError(t, err)
		require.Equal(t, reply, received)
	}
}

func testMultipleConnections(t *testing.T, manager *transport.FactoryManager, protocol string) {
	acceptor, published := listen(t, manager, protocol)
	defer func() {
		require.NoError(t, acceptor.Close())
	}()
	numConns := 5
	var pairs []*pair
	for i := 0; i < numConns; i++ {
		pairs = append(pairs, connectPair(t, acceptor, published))
	}
	var wg sync.WaitGroup
	for i, p := range pairs {
		wg.Add(1)
		msg := []byte(fmt.Sprintf("connection-%d", i))
		go func(p *pair) {
			defer wg.Done()
			if err := WriteFully(p.client, msg); err != nil {
				panic(err)
			}
		}(p)
		received, err := ReadFully(p.server, len(msg))
		require.NoError(t, err)
		require.Equal(t, msg, received)
	}
	wg.Wait()
	for _, p := range pairs {
		require.NoError(t, p.client.Close())
		require.NoError(t, p.server.Close())
	}
}

func testLargeWrite(t *testing.T, manager *transport.FactoryManager, protocol string) {
	acceptor, published := listen(t, manager, protocol)
	p := connectPair(t, acceptor, published)
	defer p.close(t)

	p.server.SetBufferSize(4096, 4096)
	msg := make([]byte, 1024*1024)
	for i := range msg {
		msg[i] = byte(i)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- WriteFully(p.client, msg)
	}()
	received, err := ReadFully(p.server, len(msg))
	require.NoError(t, err)
	require.Equal(t, msg, received)
	require.NoError(t, testutils.RequireReceive(t, errCh, 5*time.Second))
}

func testPendingReadAbortedOnClose(t *testing.T, manager *transport.FactoryManager, protocol string) {
	acceptor, published := listen(t, manager, protocol)
	p := connectPair(t, acceptor, published)
	defer func() {
		require.NoError(t, p.server.Close())
		require.NoError(t, acceptor.Close())
	}()

	done := make(chan struct{}, 1)
	buf := make([]byte, 10)
	require.False(t, p.client.StartRead(buf, func() { done <- struct{}{} }))
	require.NoError(t, p.client.Close())
	testutils.RequireReceive(t, done, 5*time.Second)
	_, err := p.client.FinishRead()
	require.Error(t, err)
	require.True(t, errors.HasCode(err, errors.OperationAborted))

	// Once closed, operations complete synchronously with the same error
	require.True(t, p.client.StartWrite([]byte("x"), func() {}))
	_, err = p.client.FinishWrite()
	require.True(t, errors.HasCode(err, errors.OperationAborted))
}

func testPeerClose(t *testing.T, manager *transport.FactoryManager, protocol string) {
	acceptor, published := listen(t, manager, protocol)
	p := connectPair(t, acceptor, published)
	defer func() {
		require.NoError(t, p.client.Close())
		require.NoError(t, acceptor.Close())
	}()

	require.NoError(t, p.server.Close())
	_, err := ReadFully(p.client, 1)
	require.Error(t, err)
	require.True(t, errors.HasCode(err, errors.ConnectionLost))
}

func testPublishedPort(t *testing.T, manager *transport.FactoryManager, protocol string) {
	acceptor, published := listen(t, manager, protocol)
	defer func() {
		require.NoError(t, acceptor.Close())
	}()
	ipe, ok := published.(transport.IPEndpoint)
	require.True(t, ok)
	require.NotEqual(t, 0, ipe.Port())
	require.Equal(t, "127.0.0.1", ipe.Host())
	require.True(t, published.Equal(acceptor.Endpoint()))
	require.Equal(t, protocol, acceptor.Protocol())
}

func testStringRoundTrip(t *testing.T, manager *transport.FactoryManager, protocol string) {
	strs := []string{
		protocol + " -h localhost -p 10000",
		protocol + " -h 127.0.0.1 -p 10001 -t 5000",
		protocol + " -h 127.0.0.1 -p 10002 -t infinite -z",
		protocol + " -p 10003 -h \"host with space\"",
	}
	for _, s := range strs {
		e, err := manager.Create(s, false)
		require.NoError(t, err, s)
		require.Equal(t, protocol, e.Protocol())
		e2, err := manager.Create(e.String(), false)
		require.NoError(t, err, e.String())
		require.True(t, e.Equal(e2), "%s != %s", e, e2)
		require.Equal(t, e.String(), e2.String())
	}

	_, err := manager.Create(protocol+" -h localhost -p 10000 -x", false)
	require.True(t, errors.HasCode(err, errors.EndpointParse))
	_, err = manager.Create(protocol+" -h * -p 10000", false)
	require.True(t, errors.HasCode(err, errors.EndpointParse))
	_, err = manager.Create(protocol+" -p 70000", false)
	require.True(t, errors.HasCode(err, errors.EndpointParse))
	_, err = manager.Create(protocol+" -p 1 -t 0", false)
	require.True(t, errors.HasCode(err, errors.EndpointParse))
}

func testBinaryRoundTrip(t *testing.T, manager *transport.FactoryManager, protocol string) {
	e, err := manager.Create(protocol+" -h somehost -p 1234 -t 3000 -z", false)
	require.NoError(t, err)
	out := encoding.NewOutputStream()
	e.StreamWrite(out)
	e2, err := manager.Read(encoding.NewInputStream(out.Bytes()))
	require.NoError(t, err)
	require.True(t, e.Equal(e2))
	require.Equal(t, 0, e.Compare(e2))

	other := e.WithTimeout(time.Second)
	require.False(t, e.Equal(other))
	require.True(t, e.Equivalent(other))
	require.Equal(t, -other.Compare(e), e.Compare(other))
	require.True(t, e.WithCompress(true) == e)
	require.False(t, e.WithCompress(false).Compress())
	require.Equal(t, "conn-1", e.WithConnectionID("conn-1").ConnectionID())
	require.Equal(t, "", e.ConnectionID())
}

func testAcceptAfterClose(t *testing.T, manager *transport.FactoryManager, protocol string) {
	acceptor, _ := listen(t, manager, protocol)
	errCh := make(chan error, 1)
	go func() {
		_, err := acceptor.Accept()
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, acceptor.Close())
	err := testutils.RequireReceive(t, errCh, 5*time.Second)
	require.True(t, errors.HasCode(err, errors.OperationAborted))
}

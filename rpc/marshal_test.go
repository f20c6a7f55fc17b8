package rpc

import (
	"context"
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
	"github.com/spirit-labs/proxyrpc/protocol"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

// hostServant starts an adapter on its own communicator hosting servant as identity.
func hostServant(t *testing.T, identity protocol.Identity, servant Servant) *Proxy {
	comm := newTestCommunicator(t)
	adapter, err := comm.CreateObjectAdapterWithEndpoints("registry", "tcp -h 127.0.0.1 -p 0")
	require.NoError(t, err)
	prx, err := adapter.Add(servant, identity)
	require.NoError(t, err)
	require.NoError(t, adapter.Activate())
	return prx
}

func writeProxy(t *testing.T, p *Proxy) []byte {
	out := encoding.NewOutputStream()
	require.NoError(t, WriteProxy(out, p))
	return out.Bytes()
}

func TestRemoteLocator(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	locatorID := protocol.Identity{Category: "locator", Name: "registry"}
	registry := hostServant(t, locatorID, ServantFunc(func(_ context.Context, current *Current, params []byte) ([]byte, error) {
		comm := current.Adapter.Communicator()
		in := encoding.NewInputStream(params)
		switch current.Operation {
		case "findAdapterById":
			id, err := in.ReadString()
			if err != nil {
				return nil, err
			}
			if id == "server" {
				return writeProxy(t, srv.adapter.CreateProxy(protocol.Identity{Name: "dummy"})), nil
			}
		case "findObjectById":
			id, err := protocol.ReadIdentity(in)
			if err != nil {
				return nil, err
			}
			if id.Name == "echo" {
				prx, err := comm.StringToProxy("echo @ server")
				if err != nil {
					return nil, err
				}
				return writeProxy(t, prx), nil
			}
		default:
			return nil, errors.NewRpcError(errors.OperationNotExist, current.Operation)
		}
		return nil, errors.UserError{TypeID: "::Test::NotFound"}
	}))

	comm := newTestCommunicator(t)
	locator := NewLocatorClient(testProxy(t, comm, registry.String()))
	require.Equal(t, locatorID, locator.Identity())

	for _, s := range []string{"echo @ server", "echo"} {
		prx := locatorProxy(t, comm, locator, s)
		res, err := prx.Invoke(context.Background(), "echo", protocol.Normal, []byte(s))
		require.NoError(t, err)
		require.Equal(t, []byte(s), res)
	}

	prx := locatorProxy(t, comm, locator, "missing")
	res := getEndpoints(t, prx.Reference().LocatorInfo(), prx.Reference(), InfiniteLocatorCacheTimeout)
	require.True(t, errors.HasCode(res.err, errors.NotRegistered))
}

func TestRemoteRouter(t *testing.T) {
	srv := newServer(t, "tcp -h 127.0.0.1 -p 0")
	var lock sync.Mutex
	var added []protocol.Identity
	routerID := protocol.Identity{Category: "router", Name: "glacier"}
	routerPrx := hostServant(t, routerID, ServantFunc(func(_ context.Context, current *Current, params []byte) ([]byte, error) {
		comm := current.Adapter.Communicator()
		switch current.Operation {
		case "getClientProxy":
			out := encoding.NewOutputStream()
			require.NoError(t, WriteProxy(out, srv.adapter.CreateProxy(protocol.Identity{Name: "dummy"})))
			out.WriteBool(true)
			return out.Bytes(), nil
		case "getServerProxy":
			return writeProxy(t, nil), nil
		case "addProxies":
			in := encoding.NewInputStream(params)
			n, err := in.ReadSize()
			if err != nil {
				return nil, err
			}
			for i := 0; i < n; i++ {
				p, err := comm.ReadProxy(in)
				if err != nil {
					return nil, err
				}
				lock.Lock()
				added = append(added, p.Identity())
				lock.Unlock()
			}
			out := encoding.NewOutputStream()
			out.WriteSize(0)
			return out.Bytes(), nil
		}
		return nil, errors.NewRpcError(errors.OperationNotExist, current.Operation)
	}))

	comm := newTestCommunicator(t)
	router := NewRouterClient(testProxy(t, comm, routerPrx.String()))
	require.Equal(t, routerID, router.Identity())
	serverEndpoints, err := router.ServerEndpoints(context.Background())
	require.NoError(t, err)
	require.Empty(t, serverEndpoints)

	prx := testProxy(t, comm, "echo:tcp -h 127.0.0.1 -p "+unusedPort(t)).WithRouter(router)
	res, err := prx.Invoke(context.Background(), "echo", protocol.Normal, []byte("via router"))
	require.NoError(t, err)
	require.Equal(t, []byte("via router"), res)

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, []protocol.Identity{{Name: "echo"}}, added)
}

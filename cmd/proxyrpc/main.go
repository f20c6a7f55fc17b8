package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/conf"
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/protocol"
	"github.com/spirit-labs/proxyrpc/rpc"
	"github.com/spirit-labs/proxyrpc/transport"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type arguments struct {
	Config   kong.ConfigFlag `help:"Path to config file" type:"existingfile"`
	RPC      conf.Config     `help:"Runtime configuration" embed:"" prefix:""`
	Log      log.Config      `help:"Configuration for the logger" embed:"" prefix:"log-"`
	Serve    serveCommand    `cmd:"" help:"Host an echo object on an object adapter"`
	Ping     pingCommand     `cmd:"" help:"Invoke an echo object and report latency"`
	Endpoint endpointCommand `cmd:"" help:"Parse an endpoint and print its canonical and binary forms"`
}

type serveCommand struct {
	Endpoints string `help:"Endpoints the adapter listens on" default:"tcp -h 127.0.0.1 -p 10000"`
	Adapter   string `help:"Name of the object adapter" default:"echo"`
	Identity  string `help:"Identity of the echo object" default:"echo"`
}

type pingCommand struct {
	Proxy   string        `help:"Stringified proxy of the echo object" default:"echo:tcp -h 127.0.0.1 -p 10000"`
	Count   int           `help:"Number of invocations" default:"10"`
	Size    int           `help:"Size of the params sent with each invocation" default:"64"`
	Timeout time.Duration `help:"Timeout of each invocation" default:"5s"`
}

type endpointCommand struct {
	Endpoint string `arg:"" help:"Endpoint string to parse"`
}

func logErrorAndExit(msg string) {
	log.Errorf(msg)
	os.Exit(1)
}

func main() {
	defer common.PanicHandler()

	r := &runner{out: os.Stdout}
	cfg, command, err := r.loadConfig(os.Args[1:])
	if err != nil {
		logErrorAndExit(err.Error())
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := r.run(ctx, cfg, command); err != nil {
		logErrorAndExit(fmt.Sprintf("%+v", err))
	}
}

type runner struct {
	out  io.Writer
	comm *rpc.Communicator
}

func (r *runner) loadConfig(args []string) (*arguments, string, error) {
	cfg := arguments{}
	parser, err := kong.New(&cfg, kong.Configuration(konghcl.Loader))
	if err != nil {
		return nil, "", errors.WithStack(err)
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return nil, "", errors.WithStack(err)
	}
	if err := cfg.Log.Configure(); err != nil {
		return nil, "", errors.WithStack(err)
	}
	cfg.RPC.ApplyDefaults()
	if err := cfg.RPC.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, kctx.Command(), nil
}

func (r *runner) run(ctx context.Context, cfg *arguments, command string) error {
	switch command {
	case "serve":
		return r.serve(ctx, cfg)
	case "ping":
		return r.ping(ctx, cfg)
	case "endpoint <endpoint>":
		return r.endpoint(cfg)
	default:
		return errors.Errorf("unknown command %s", command)
	}
}

func (r *runner) start(cfg *arguments) (*rpc.Proxy, error) {
	comm, err := rpc.NewCommunicator(rpc.Options{Config: cfg.RPC})
	if err != nil {
		return nil, err
	}
	r.comm = comm
	adapter, err := comm.CreateObjectAdapterWithEndpoints(cfg.Serve.Adapter, cfg.Serve.Endpoints)
	if err != nil {
		return nil, err
	}
	identity, err := protocol.ParseIdentity(cfg.Serve.Identity)
	if err != nil {
		return nil, err
	}
	prx, err := adapter.Add(rpc.ServantFunc(echo), identity)
	if err != nil {
		return nil, err
	}
	if err := adapter.Activate(); err != nil {
		return nil, err
	}
	return prx, nil
}

func echo(_ context.Context, current *rpc.Current, params []byte) ([]byte, error) {
	log.Debugf("echo %s of %d bytes", current.Operation, len(params))
	return params, nil
}

func (r *runner) serve(ctx context.Context, cfg *arguments) error {
	prx, err := r.start(cfg)
	if err != nil {
		if r.comm != nil {
			_ = r.comm.Destroy()
		}
		return err
	}
	log.Infof("serving %s", prx.String())
	<-ctx.Done()
	log.Warnf("signal received. adapter %s will be closed", cfg.Serve.Adapter)
	// hard stop if Destroy hangs
	tz := time.AfterFunc(cfg.RPC.CloseTimeout+5*time.Second, func() {
		log.Warn("communicator destroy did not complete in time. system will exit.")
		os.Exit(1)
	})
	defer tz.Stop()
	return r.comm.Destroy()
}

func (r *runner) ping(ctx context.Context, cfg *arguments) error {
	comm, err := rpc.NewCommunicator(rpc.Options{Config: cfg.RPC})
	if err != nil {
		return err
	}
	defer func() {
		if err := comm.Destroy(); err != nil {
			log.Warnf("failed to destroy communicator %v", err)
		}
	}()
	prx, err := comm.StringToProxy(cfg.Ping.Proxy)
	if err != nil {
		return err
	}
	params := make([]byte, cfg.Ping.Size)
	var total, worst time.Duration
	for i := 0; i < cfg.Ping.Count; i++ {
		start := time.Now()
		if err := r.invoke(ctx, prx, params, cfg.Ping.Timeout); err != nil {
			return err
		}
		latency := time.Since(start)
		total += latency
		if latency > worst {
			worst = latency
		}
		_, _ = fmt.Fprintf(r.out, "reply from %s: seq=%d time=%s\n", prx.Identity(), i, latency)
	}
	if cfg.Ping.Count > 0 {
		_, _ = fmt.Fprintf(r.out, "%d invocations, avg=%s max=%s\n", cfg.Ping.Count,
			total/time.Duration(cfg.Ping.Count), worst)
	}
	return nil
}

func (r *runner) invoke(ctx context.Context, prx *rpc.Proxy, params []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := prx.Invoke(ctx, "echo", protocol.Idempotent, params)
	if err != nil {
		return err
	}
	if len(res) != len(params) {
		return errors.Errorf("echo returned %d bytes, expected %d", len(res), len(params))
	}
	return nil
}

func (r *runner) endpoint(cfg *arguments) error {
	comm, err := rpc.NewCommunicator(rpc.Options{Config: cfg.RPC})
	if err != nil {
		return err
	}
	defer func() {
		_ = comm.Destroy()
	}()
	e, err := comm.EndpointFactories().Create(cfg.Endpoint.Endpoint, false)
	if err != nil {
		return err
	}
	out := encoding.NewOutputStream()
	transport.WriteEndpoint(out, e)
	_, _ = fmt.Fprintf(r.out, "%s\n%s\n", e.String(), hex.EncodeToString(out.Bytes()))
	return nil
}

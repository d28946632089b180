// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program esb is a command-line utility for running and calling service
// domains.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/esb"
	"github.com/creachadair/esb/composite"
	"github.com/creachadair/esb/handler"
	"github.com/creachadair/esb/metrics"
	"github.com/creachadair/esb/peers"
	"github.com/creachadair/esb/remote"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var serveFlags struct {
	Listen    string `flag:"listen,default=localhost:7474,Listen for peers at this address"`
	Composite string `flag:"composite,Build the domain from this composite file"`
	Metrics   string `flag:"metrics,Serve Prometheus metrics at this address"`
	Verbose   bool   `flag:"v,Log exchanges and frames"`
}

var callFlags struct {
	Dial    string        `flag:"dial,default=localhost:7474,Connect to a peer at this address"`
	Timeout time.Duration `flag:"timeout,default=5s,Wait this long for a reply"`
	Verbose bool          `flag:"v,Log exchanges and frames"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for running and calling service domains.",
		Commands: []*command.C{
			{
				Name:  "check",
				Usage: "<composite.yaml>",
				Help:  "Load and validate a composite, and print its services and references.",
				Run:   runCheck,
			},
			{
				Name: "serve",
				Help: `Serve a domain to remote peers.

If --composite is set, the domain is built from that file. Otherwise the domain
provides the built-in services Echo, Upper, and Log. Composites may use the
built-in handlers echo, upper, and log.`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "<service> <operation> <content>",
				Help: `Call an operation of a remote service.

The interface of the service is discovered from the remote peer. The content
is sent as a string. An empty operation name selects the sole operation of the
service.`,
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runCheck(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Exactly one composite file is required")
	}
	cfg, err := composite.Load(env.Args[0])
	if err != nil {
		return err
	}
	d, err := cfg.Build(builtins(slog.Default()))
	if err != nil {
		return err
	}
	fmt.Printf("domain %q\n", d.Name())
	for _, name := range d.Services() {
		svc := d.Service(name)
		fmt.Printf("  service %q (%s)\n", name, svc.Interface().Name())
		for _, op := range svc.Interface().Operations() {
			fmt.Printf("    %v\n", op)
		}
	}
	for _, r := range cfg.References {
		ref := d.ServiceReference(r.Name)
		fmt.Printf("  reference %q -> %q timeout=%v\n", ref.Name(), ref.Target(), ref.Timeout())
	}
	return nil
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("Extra arguments after command: %q", env.Args)
	}
	log := newLogger(serveFlags.Verbose)

	var d *esb.Domain
	if serveFlags.Composite != "" {
		cfg, err := composite.Load(serveFlags.Composite)
		if err != nil {
			return err
		}
		d, err = cfg.Build(builtins(log))
		if err != nil {
			return err
		}
	} else {
		var err error
		d, err = defaultDomain(log)
		if err != nil {
			return err
		}
	}
	logExchanges(d, log)

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt)
	defer cancel()

	lst, err := peers.Listen(ctx, serveFlags.Listen)
	if err != nil {
		return err
	}
	log.Info("serving domain", "domain", d.Name(), "addr", lst.Addr().String(), "services", d.Services())

	g := taskgroup.New(nil)
	if serveFlags.Metrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.ForDomain(d), metrics.ForPeers(remote.NewPeer(nil)))
		srv := &http.Server{Addr: serveFlags.Metrics, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
		log.Info("serving metrics", "addr", serveFlags.Metrics)
	}

	err = peers.Loop(ctx, peers.NetAccepter(lst), func() *remote.Peer {
		p := remote.NewPeer(d).OnExit(func(err error) {
			if err != nil {
				log.Warn("peer exited", "error", err)
			}
		})
		if serveFlags.Verbose {
			p.LogFrames(func(fi remote.FrameInfo) { log.Debug("frame", "frame", fi.String()) })
		}
		return p
	})
	cancel()
	return errors.Join(err, g.Wait())
}

func runCall(env *command.Env) error {
	if len(env.Args) != 3 {
		return env.Usagef("Service, operation, and content are required")
	}
	service, operation, content := env.Args[0], env.Args[1], env.Args[2]
	log := newLogger(callFlags.Verbose)

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt)
	defer cancel()

	ch, err := peers.Dial(ctx, callFlags.Dial)
	if err != nil {
		return err
	}
	d := esb.NewDomain("call")
	logExchanges(d, log)
	p := remote.NewPeer(d).Start(ch)
	defer p.Stop()
	if callFlags.Verbose {
		p.LogFrames(func(fi remote.FrameInfo) { log.Debug("frame", "frame", fi.String()) })
	}

	svc, err := p.Import(ctx, service, service)
	if err != nil {
		return err
	}
	ref, err := d.RegisterServiceReference(service, svc.Interface(), esb.WithTimeout(callFlags.Timeout))
	if err != nil {
		return err
	}
	x, err := ref.Call(ctx, operation, content)
	if err != nil {
		return err
	}
	switch {
	case x.State() == esb.StateFault:
		return fmt.Errorf("fault: %v", x.Message().Content())
	case x.Pattern() == esb.InOnly:
		fmt.Println("done")
	default:
		switch v := x.Message().Content().(type) {
		case []byte:
			os.Stdout.Write(v)
			fmt.Println()
		default:
			fmt.Println(v)
		}
	}
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func logExchanges(d *esb.Domain, log *slog.Logger) {
	d.LogExchanges(func(info esb.ExchangeInfo) {
		if info.Event == esb.EventError {
			log.Error("exchange error", "exchange", info.ID(), "error", info.Err)
			return
		}
		log.Debug("exchange", "event", info.Event.String(), "exchange", info.Exchange.String())
	})
}

// builtins returns the handlers available to composites.
func builtins(log *slog.Logger) composite.Registry {
	return composite.Registry{
		"echo":  handler.ParamResult(func(_ context.Context, s string) string { return s }),
		"upper": handler.ParamResult(func(_ context.Context, s string) string { return strings.ToUpper(s) }),
		"log": handler.ParamError(func(ctx context.Context, s string) error {
			x := handler.ContextExchange(ctx)
			log.Info("log", "exchange", x.ID(), "message", s)
			return nil
		}),
	}
}

// defaultDomain returns a domain with the built-in services.
func defaultDomain(log *slog.Logger) (*esb.Domain, error) {
	cfg := &composite.Config{
		Domain: "esb",
		Services: []composite.ServiceConfig{
			{Name: "Echo", Implementation: "echo"},
			{Name: "Upper", Implementation: "upper"},
			{Name: "Log", Implementation: "log", Operations: []composite.OperationConfig{
				{Name: esb.DefaultOperation, Pattern: "in-only"},
			}},
		},
	}
	return cfg.Build(builtins(log))
}

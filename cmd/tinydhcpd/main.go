// Command tinydhcpd is a minimal, single-subnet DHCPv4 server daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/B4ckslash/tinydhcpd/internal/config"
	"github.com/B4ckslash/tinydhcpd/internal/daemonctx"
	"github.com/B4ckslash/tinydhcpd/internal/dhcp4"
	"github.com/B4ckslash/tinydhcpd/internal/engine"
	"github.com/B4ckslash/tinydhcpd/internal/lease"
	"github.com/B4ckslash/tinydhcpd/internal/policy"
	"github.com/B4ckslash/tinydhcpd/internal/router"
	"github.com/B4ckslash/tinydhcpd/internal/transport"
	flag "github.com/spf13/pflag"
)

const defaultConfigFile = "/etc/tinydhcpd/tinydhcpd.conf"

// icmpProbeTimeout bounds the single echo request policy.ICMPChecker sends
// before a candidate address is trusted as free.
const icmpProbeTimeout = 500 * time.Millisecond

func main() {
	var (
		listenAddr = flag.StringP("address", "a", "", "listen address, overrides listen-address in the config file")
		ifaceName  = flag.StringP("interface", "i", "", "interface to serve, overrides interface in the config file")
		configFile = flag.StringP("configfile", "c", defaultConfigFile, "path to the configuration file")
		foreground = flag.BoolP("foreground", "f", false, "run in the foreground instead of as a service")
		debug      = flag.BoolP("debug", "v", false, "enable debug logging")
		useSysV    = flag.Bool("sysv", false, "force a System V init script on --install")
		useSystemd = flag.Bool("systemd", false, "force a systemd unit on --install")
		install    = flag.Bool("install", false, "install tinydhcpd as a service and exit")
		uninstall  = flag.Bool("uninstall", false, "uninstall the tinydhcpd service and exit")
		status     = flag.Bool("status", false, "print the service status and exit")
	)
	flag.Parse()

	lvl := slog.LevelInfo
	if *debug {
		lvl = slog.LevelDebug
	}
	log := slogutil.New(&slogutil.Config{Level: lvl, AddTimestamp: true})

	d, err := newDaemon(*configFile, *listenAddr, *ifaceName, log)
	if err != nil {
		log.Error("initializing daemon", "err", err)
		os.Exit(1)
	}

	svcCfg := daemonctx.Config{
		Arguments:    []string{"-c", *configFile},
		ForceSysV:    *useSysV,
		ForceSystemd: *useSystemd,
	}

	switch {
	case *install:
		err = daemonctx.Install(svcCfg, d, log)
	case *uninstall:
		err = daemonctx.Uninstall(svcCfg, d, log)
	case *status:
		var st daemonctx.Status
		st, err = daemonctx.QueryStatus(svcCfg, d, log)
		if err == nil {
			fmt.Println(st)
		}
	case *foreground:
		err = d.Run(signalContext())
	default:
		err = daemonctx.RunForeground(svcCfg, d, log)
	}

	if err != nil {
		log.Error("tinydhcpd exited with an error", "err", err)
		os.Exit(1)
	}
}

// signalContext returns a context canceled on SIGINT or SIGTERM, the
// shutdown trigger for -f/--foreground runs.
func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return ctx
}

// daemon is the Runner handed to daemonctx; it owns every long-lived
// component and drives the single-threaded event loop.
type daemon struct {
	tr    *transport.Transport
	eng   *engine.Engine
	tbl   *lease.Table
	store *lease.Store
	log   *slog.Logger
}

var _ daemonctx.Runner = (*daemon)(nil)

func newDaemon(configFile, listenOverride, ifaceOverride string, log *slog.Logger) (*daemon, error) {
	f, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	resolved, err := f.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolving config: %w", err)
	}

	if err = resolved.Subnet.Validate(); err != nil {
		return nil, fmt.Errorf("validating subnet config: %w", err)
	}

	iface := resolved.Interface
	if ifaceOverride != "" {
		iface = ifaceOverride
	}

	tcfg := transport.Config{ListenAddr: resolved.ListenAddr, IfaceName: iface}
	if listenOverride != "" {
		addr, parseErr := netipParse(listenOverride)
		if parseErr != nil {
			return nil, fmt.Errorf("parsing -a/--address: %w", parseErr)
		}
		tcfg.ListenAddr = addr
	}

	tr, err := transport.Open(tcfg, log)
	if err != nil {
		return nil, fmt.Errorf("opening transport: %w", err)
	}

	clock := realClock{}
	tbl := lease.NewTable(clock)

	store := lease.NewStore(resolved.LeaseFile, log)
	if loadErr := store.Load(context.Background(), tbl, time.Now().Unix()); loadErr != nil {
		tr.Close()

		return nil, fmt.Errorf("loading lease file: %w", loadErr)
	}

	var checker policy.AddressChecker
	if resolved.ProbeConflicts {
		checker = policy.ICMPChecker{Timeout: icmpProbeTimeout}
	}
	pol := policy.New(resolved.Subnet, tbl, clock, checker)
	rtr := router.New(&router.NetlinkPrimer{}, log)
	eng := engine.New(pol, rtr, resolved.Subnet, log)

	return &daemon{tr: tr, eng: eng, tbl: tbl, store: store, log: log}, nil
}

// Run implements daemonctx.Runner: it drives the single-threaded
// receive/handle/send/flush loop until ctx is canceled, then flushes the
// lease table to disk before returning.
func (d *daemon) Run(ctx context.Context) error {
	defer func() {
		if err := d.store.Flush(d.tbl); err != nil {
			d.log.Error("flushing lease file on shutdown", "err", err)
		}
		d.tr.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if d.tr.Pending() {
			if err := d.tr.Flush(ctx); err != nil {
				d.log.Warn("flushing queued sends", "err", err)
			}
		}

		recv, err := d.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			d.log.Warn("receiving datagram", "err", err)

			continue
		}

		req, err := dhcp4.Decode(recv.Data)
		if err != nil {
			d.log.Debug("dropping malformed datagram", "err", err)

			continue
		}
		req.IfaceAddr = recv.IfaceAddr
		req.IfaceName = recv.IfaceName
		req.IfIndex = recv.IfIndex

		res := d.eng.HandleFrame(ctx, req)
		if !res.Send {
			continue
		}

		dest := netip.AddrPortFrom(res.Dest.Addr, res.Dest.Port)
		if err = d.tr.Send(ctx, dhcp4.Encode(res.Reply), dest, recv.IfIndex); err != nil {
			d.log.Warn("sending reply", "dest", dest, "err", err)
		}
	}
}

// netipParse parses a bare IPv4 address, the form taken by -a/--address.
func netipParse(s string) (netip.Addr, error) {
	return netip.ParseAddr(s)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

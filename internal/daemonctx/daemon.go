// Package daemonctx wraps kardianos/service to let tinydhcpd install,
// start, stop, and uninstall itself as a platform service, grounded on
// the teacher's internal/ossvc package and trimmed to the single Linux
// target this daemon serves.
package daemonctx

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kardianos/service"
)

// Name is the service name registered with the OS service manager.
const Name = "tinydhcpd"

// Status mirrors the teacher's ossvc.Status, the three states a service
// manager can report for a named service.
type Status string

const (
	StatusNotInstalled Status = "not installed"
	StatusStopped      Status = "stopped"
	StatusRunning      Status = "running"
)

// Runner is the long-running body of the daemon: Run blocks until ctx is
// canceled or an unrecoverable error occurs.
type Runner interface {
	Run(ctx context.Context) error
}

// program adapts a Runner to service.Interface. Start must not block;
// service.Interface.Stop must return promptly once cancel is called.
type program struct {
	runner Runner
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan error
}

var _ service.Interface = (*program)(nil)

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.runner.Run(ctx)
	}()

	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}

	if p.done != nil {
		return <-p.done
	}

	return nil
}

// kind selects which init system's service file kardianos/service
// generates on Install, overriding its own platform autodetection.
type kind string

const (
	kindAuto    kind = ""
	kindSysV    kind = "unix-systemv"
	kindSystemd kind = "linux-systemd"
)

// Config collects the options that shape the installed service's
// behavior and which init system it targets.
type Config struct {
	// Arguments are the command-line arguments the installed service
	// re-invokes the binary with (cmd/tinydhcpd passes -c/--configfile;
	// -f/--foreground is NOT included, since the service wrapper always
	// runs under the service manager's supervision).
	Arguments []string

	// WorkingDirectory is the directory the service runs from.
	WorkingDirectory string

	// ForceSysV and ForceSystemd force kardianos/service's platform
	// selection; at most one should be set.
	ForceSysV    bool
	ForceSystemd bool
}

func (c Config) kind() kind {
	switch {
	case c.ForceSysV:
		return kindSysV
	case c.ForceSystemd:
		return kindSystemd
	default:
		return kindAuto
	}
}

func newService(cfg Config, runner Runner, log *slog.Logger) (service.Service, error) {
	svcCfg := &service.Config{
		Name:             Name,
		DisplayName:      "tinydhcpd",
		Description:      "minimal DHCPv4 server",
		Arguments:        cfg.Arguments,
		WorkingDirectory: cfg.WorkingDirectory,
		Option:           service.KeyValue{},
	}

	if k := cfg.kind(); k != kindAuto {
		for _, sys := range service.AvailableSystems() {
			if sys.String() == string(k) {
				service.ChooseSystem(sys)

				break
			}
		}
	}

	return service.New(&program{runner: runner, log: log}, svcCfg)
}

// Install registers tinydhcpd with the OS service manager.
func Install(cfg Config, runner Runner, log *slog.Logger) error {
	s, err := newService(cfg, runner, log)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	if err = s.Install(); err != nil {
		return fmt.Errorf("installing service: %w", err)
	}

	return nil
}

// Uninstall removes tinydhcpd's service registration.
func Uninstall(cfg Config, runner Runner, log *slog.Logger) error {
	s, err := newService(cfg, runner, log)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	if err = s.Uninstall(); err != nil {
		return fmt.Errorf("uninstalling service: %w", err)
	}

	return nil
}

// QueryStatus reports the current service status, translating
// service.ErrNotInstalled into StatusNotInstalled instead of an error.
func QueryStatus(cfg Config, runner Runner, log *slog.Logger) (Status, error) {
	s, err := newService(cfg, runner, log)
	if err != nil {
		return "", fmt.Errorf("creating service: %w", err)
	}

	st, err := s.Status()
	if err != nil {
		if err == service.ErrNotInstalled {
			return StatusNotInstalled, nil
		}

		return "", fmt.Errorf("querying service status: %w", err)
	}

	switch st {
	case service.StatusRunning:
		return StatusRunning, nil
	default:
		return StatusStopped, nil
	}
}

// RunForeground runs runner directly under service.Service.Run.  It is
// used whenever tinydhcpd starts without -f/--foreground, including as
// the process the service manager supervises once installed;
// -f/--foreground bypasses it and calls Runner.Run directly.
func RunForeground(cfg Config, runner Runner, log *slog.Logger) error {
	s, err := newService(cfg, runner, log)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	return s.Run()
}

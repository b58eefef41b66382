// Package svc runs the chunkmesh worker as a system service (systemd, launchd
// or the Windows service manager).
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFlag marks a process started by the service manager.
const RunFlag = "--service-run"

// DefaultName is the service name used when none is given.
const DefaultName = "chunkmesh"

// RunFunc runs the worker until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program adapts a RunFunc to service.Interface.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start is called by the service manager. It must not block.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return errors.New("run function not configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.Run(ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the worker and waits for it to shut down.
func (p *Program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes the service to install.
type Config struct {
	Name       string
	ConfigPath string
	UserName   string // Linux and macOS only
}

// DefaultConfigPath returns the platform's default worker config path.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "chunkmesh", "worker.yaml")
	}
	return "/etc/chunkmesh/worker.yaml"
}

func (c *Config) normalize() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.ConfigPath == "" {
		c.ConfigPath = DefaultConfigPath()
	}
}

// ServiceConfig builds the service manager definition for cfg. The installed
// service re-executes this binary with "serve" in service mode.
func ServiceConfig(cfg Config, goos string) *service.Config {
	cfg.normalize()
	sc := &service.Config{
		Name:        cfg.Name,
		DisplayName: "chunkmesh worker",
		Description: "Stores assigned block data chunks and serves range queries",
		Arguments:   []string{RunFlag, "serve", "--config", cfg.ConfigPath},
	}

	switch goos {
	case "linux":
		// Chunk downloads need the network.
		sc.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		sc.Option = service.KeyValue{
			"Restart":     "on-failure",
			"RestartSec":  "5",
			"LimitNOFILE": 65536,
		}
		sc.UserName = cfg.UserName
	case "darwin":
		sc.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		sc.UserName = cfg.UserName
	case "windows":
		sc.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return sc
}

func newService(prg *Program, cfg Config) (service.Service, error) {
	s, err := service.New(prg, ServiceConfig(cfg, runtime.GOOS))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An installed service is replaced only with
// force, stopping it first if it runs.
func Install(cfg Config, force bool) error {
	cfg.normalize()
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg Config) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs a service manager action: start, stop or restart.
func Control(cfg Config, action string) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status as text.
func Status(cfg Config) (string, error) {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return "", err
	}
	status, err := s.Status()
	if errors.Is(err, service.ErrNotInstalled) {
		return "not installed", nil
	}
	if err != nil {
		return "", err
	}
	return StatusString(status), nil
}

// StatusString names a service status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager until it stops the service.
func Run(cfg Config, run RunFunc) error {
	cfg.normalize()
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath, Run: run}, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether the caller may manage system services.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}

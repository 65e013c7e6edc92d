// Package capture manages the packet capture subprocesses of a scenario run.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/hostexec"
	"Go2NetLabel/internal/metrics"

	"go.uber.org/zap"
)

// ErrForcedKill is returned by Stop when the capture ignored the interrupt
// and had to be killed. The process has exited; treat it as a warning.
var ErrForcedKill = errors.New("capture did not stop gracefully and was killed")

// Scope selects what a capture listens on. An empty Host means the whole
// network.
type Scope struct {
	Host string
}

// Network is the whole-network scope.
var Network = Scope{}

func (s Scope) String() string {
	if s.Host == "" {
		return config.ScopeNetwork
	}
	return s.Host
}

// ParseScope converts a configured scope name into a Scope.
func ParseScope(name string) Scope {
	if name == "" || name == config.ScopeNetwork {
		return Network
	}
	return Scope{Host: name}
}

// Handle is a running capture. It is owned by the Session that created it.
type Handle struct {
	Scope      Scope
	OutputPath string
	StartTime  time.Time

	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// Done is closed once the capture process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Pid returns the OS process id of the capture.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Session launches and stops capture processes.
type Session struct {
	runner  *hostexec.Runner
	cfg     config.CaptureConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	active map[*Handle]struct{}
}

// NewSession creates a capture session. m may be nil.
func NewSession(runner *hostexec.Runner, cfg config.CaptureConfig, logger *zap.Logger, m *metrics.Metrics) *Session {
	return &Session{
		runner:  runner,
		cfg:     cfg,
		logger:  logger.Named("capture"),
		metrics: m,
		active:  make(map[*Handle]struct{}),
	}
}

// Argv returns the capture command line for scope writing to outputPath,
// before the host prefix is applied.
func (s *Session) Argv(scope Scope, outputPath string) []string {
	iface := s.cfg.NetworkInterface
	if scope.Host != "" {
		iface = strings.ReplaceAll(s.cfg.HostInterface, "{host}", scope.Host)
	}
	argv := []string{s.cfg.Tool, "-i", iface, "-w", outputPath, "-U"}
	if s.cfg.Snaplen > 0 {
		argv = append(argv, "-s", strconv.Itoa(s.cfg.Snaplen))
	}
	return append(argv, s.cfg.ExtraArgs...)
}

// Start launches a capture for scope and returns without waiting for it.
// A process that exits within the startup probe window counts as a launch
// failure.
func (s *Session) Start(scope Scope, outputPath string) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}

	// The capture must outlive any caller context; Stop is the only way out.
	cmd := s.runner.Command(context.Background(), scope.Host, s.Argv(scope, outputPath)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start capture for %s: %w", scope, err)
	}

	h := &Handle{
		Scope:      scope,
		OutputPath: outputPath,
		StartTime:  time.Now(),
		cmd:        cmd,
		done:       make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	if s.cfg.StartupProbe > 0 {
		select {
		case <-h.done:
			return nil, fmt.Errorf("capture for %s exited during startup: %v", scope, h.waitErr)
		case <-time.After(s.cfg.StartupProbe):
		}
	}

	s.mu.Lock()
	s.active[h] = struct{}{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveCaptures.Inc()
	}

	s.logger.Info("Capture started",
		zap.Stringer("scope", scope),
		zap.String("file", outputPath),
		zap.Int("pid", h.Pid()))
	return h, nil
}

// Stop interrupts the capture, waits up to grace, then kills it. It returns
// only once the process has exited.
func (s *Session) Stop(h *Handle, grace time.Duration) error {
	defer s.forget(h)

	if h.exited() {
		return nil
	}

	if err := h.cmd.Process.Signal(os.Interrupt); err != nil && !h.exited() {
		s.logger.Warn("Failed to interrupt capture", zap.Stringer("scope", h.Scope), zap.Error(err))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		s.logger.Info("Capture stopped",
			zap.Stringer("scope", h.Scope),
			zap.Duration("ran", time.Since(h.StartTime)))
		return nil
	case <-timer.C:
	}

	s.logger.Warn("Capture ignored interrupt, killing",
		zap.Stringer("scope", h.Scope),
		zap.Duration("grace", grace))
	if err := h.cmd.Process.Kill(); err != nil && !h.exited() {
		s.logger.Error("Failed to kill capture", zap.Stringer("scope", h.Scope), zap.Error(err))
	}
	<-h.done
	if s.metrics != nil {
		s.metrics.ForcedKills.Inc()
	}
	return ErrForcedKill
}

// StopAll stops every capture that is still tracked by the session.
func (s *Session) StopAll(grace time.Duration) {
	for _, h := range s.Active() {
		if err := s.Stop(h, grace); err != nil {
			s.logger.Warn("Capture cleanup", zap.Stringer("scope", h.Scope), zap.Error(err))
		}
	}
}

// Active returns the handles not yet stopped.
func (s *Session) Active() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.active))
	for h := range s.active {
		out = append(out, h)
	}
	return out
}

func (s *Session) forget(h *Handle) {
	s.mu.Lock()
	_, ok := s.active[h]
	delete(s.active, h)
	s.mu.Unlock()
	if ok && s.metrics != nil {
		s.metrics.ActiveCaptures.Dec()
	}
}

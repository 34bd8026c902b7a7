package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"agentnet/internal/api"
)

type childServer struct {
	proc *exec.Cmd
	logs *os.File
}

// launchServer starts "agentnet serve" on the port of addr. The binary is
// resolved from -bin, then next to the monitor executable, then "go run".
func launchServer(addr, binary, configPath string) (*childServer, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("addr %q: %w", addr, err)
	}
	_, port, err := net.SplitHostPort(u.Host)
	if err != nil || port == "" {
		return nil, fmt.Errorf("addr %q needs an explicit port", addr)
	}

	args := []string{"serve", "--listen", ":" + port}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	name, args := resolveServerBinary(binary, args)

	logs, err := os.CreateTemp("", "agentnet-serve-*.log")
	if err != nil {
		return nil, fmt.Errorf("server log file: %w", err)
	}
	proc := exec.Command(name, args...)
	proc.Stdout = logs
	proc.Stderr = logs
	if err := proc.Start(); err != nil {
		logs.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &childServer{proc: proc, logs: logs}, nil
}

func resolveServerBinary(binary string, args []string) (string, []string) {
	if binary != "" {
		return binary, args
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "agentnet")
		if fileExists(candidate) {
			return candidate, args
		}
	}
	return "go", append([]string{"run", "./cmd/agentnet"}, args...)
}

func (s *childServer) stop() {
	if s == nil || s.proc == nil || s.proc.Process == nil {
		return
	}
	_ = s.proc.Process.Kill()
	_ = s.proc.Wait()
	if s.logs != nil {
		s.logs.Close()
	}
}

func awaitReady(c *api.Client, within time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	var last error
	for {
		attempt, done := context.WithTimeout(ctx, 2*time.Second)
		last = c.Health(attempt)
		done()
		if last == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), last)
		case <-time.After(400 * time.Millisecond):
		}
	}
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

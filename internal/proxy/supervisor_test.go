//go:build !windows

package proxy

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayd/config"
	"relayd/internal/errors"
	"relayd/internal/metrics"
	"relayd/util"
)

// The test binary doubles as a fake merino: with RELAYD_FAKE_MERINO
// set it records its arguments and waits for SIGTERM.
func TestMain(m *testing.M) {
	if os.Getenv("RELAYD_FAKE_MERINO") == "1" {
		fakeMerino()
		return
	}
	os.Exit(m.Run())
}

func fakeMerino() {
	if path := os.Getenv("RELAYD_FAKE_MERINO_ARGS"); path != "" {
		os.WriteFile(path, []byte(strings.Join(os.Args[1:], " ")), 0o644) //nolint:errcheck
	}
	if os.Getenv("RELAYD_FAKE_MERINO_EXIT") == "1" {
		os.Exit(3)
	}
	fmt.Println("merino listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, os.Interrupt)
	select {
	case <-sig:
		os.Exit(0)
	case <-time.After(30 * time.Second):
		os.Exit(1)
	}
}

// fakeConfig points the supervisor at the test binary.
func fakeConfig(t *testing.T) (config.Socks5Config, string) {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("RELAYD_FAKE_MERINO", "1")
	t.Setenv("RELAYD_FAKE_MERINO_ARGS", argsFile)

	return config.Socks5Config{
		Enabled:  true,
		Binary:   exe,
		IP:       "127.0.0.1",
		Port:     1080,
		UsersCSV: filepath.Join(t.TempDir(), "missing.csv"),
	}, argsFile
}

func readArgs(t *testing.T, path string) string {
	t.Helper()
	var got string
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil || len(data) == 0 {
			return false
		}
		got = string(data)
		return true
	}, 5*time.Second, 20*time.Millisecond)
	return got
}

func TestBuildArgs(t *testing.T) {
	users := filepath.Join(t.TempDir(), "users.csv")
	require.NoError(t, WriteUsersFile(users, []User{{"alice", "pw"}}))

	tests := []struct {
		name string
		cfg  config.Socks5Config
		want []string
	}{
		{
			name: "no auth",
			cfg:  config.Socks5Config{IP: "127.0.0.1", Port: 1080, UsersCSV: users, NoAuth: true},
			want: []string{"--ip", "127.0.0.1", "--port", "1080", "--no-auth"},
		},
		{
			name: "users file present",
			cfg:  config.Socks5Config{IP: "0.0.0.0", Port: 1081, UsersCSV: users},
			want: []string{"--ip", "0.0.0.0", "--port", "1081", "--users", users},
		},
		{
			name: "users file missing falls back",
			cfg:  config.Socks5Config{IP: "127.0.0.1", Port: 1080, UsersCSV: users + ".gone"},
			want: []string{"--ip", "127.0.0.1", "--port", "1080", "--no-auth"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.cfg, util.NewLogger(0), nil)
			assert.Equal(t, tt.want, s.BuildArgs())
		})
	}
}

func TestProxyURL(t *testing.T) {
	s := New(config.Socks5Config{IP: "127.0.0.1", Port: 1080}, util.NewLogger(0), nil)
	assert.Equal(t, "socks5://127.0.0.1:1080", s.ProxyURL())
}

func TestStart_Disabled(t *testing.T) {
	s := New(config.Socks5Config{Enabled: false, Binary: "/nonexistent"}, util.NewLogger(0), nil)
	require.NoError(t, s.Start())
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop())
}

func TestStart_SpawnFailure(t *testing.T) {
	cfg := config.Socks5Config{Enabled: true, Binary: "/nonexistent/merino", IP: "127.0.0.1", Port: 1080, NoAuth: true}
	s := New(cfg, util.NewLogger(0), nil)

	err := s.Start()
	var pe *errors.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "spawn", pe.Op)
	assert.False(t, s.IsRunning())
}

// TestLifecycle covers start, the recorded command line, stop and
// stop idempotence.
func TestLifecycle(t *testing.T) {
	cfg, argsFile := fakeConfig(t)
	s := New(cfg, util.NewLogger(0), nil)
	defer s.Close()

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Equal(t, "--ip 127.0.0.1 --port 1080 --no-auth", readArgs(t, argsFile))

	st := s.Status()
	assert.True(t, st.Running)
	assert.NotZero(t, st.PID)
	assert.Equal(t, "socks5://127.0.0.1:1080", st.URL)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop(), "second stop is a no-op")
}

// TestStart_ReplacesRunningChild verifies a second Start never leaves
// the first child behind.
func TestStart_ReplacesRunningChild(t *testing.T) {
	cfg, _ := fakeConfig(t)
	s := New(cfg, util.NewLogger(0), nil)
	defer s.Close()

	require.NoError(t, s.Start())
	first := s.Status().PID

	require.NoError(t, s.Start())
	second := s.Status().PID
	assert.NotEqual(t, first, second)

	// The first child was reaped by Stop, so the pid no longer exists.
	assert.Eventually(t, func() bool {
		return syscall.Kill(first, 0) == syscall.ESRCH
	}, 5*time.Second, 20*time.Millisecond)
}

// TestClose_BlocksLaterStart verifies a restart racing shutdown cannot
// leave a child behind.
func TestClose_BlocksLaterStart(t *testing.T) {
	cfg, _ := fakeConfig(t)
	s := New(cfg, util.NewLogger(0), nil)

	require.NoError(t, s.Start())
	pid := s.Status().PID
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Restart(), errors.ErrProxyClosed)
	assert.ErrorIs(t, s.Start(), errors.ErrProxyClosed)
	assert.False(t, s.IsRunning())
	assert.Eventually(t, func() bool {
		return syscall.Kill(pid, 0) == syscall.ESRCH
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, s.Close(), "second close is a no-op")
}

func TestIsRunning_DetectsExit(t *testing.T) {
	cfg, _ := fakeConfig(t)
	t.Setenv("RELAYD_FAKE_MERINO_EXIT", "1")
	m := metrics.New()
	s := New(cfg, util.NewLogger(0), m)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return !s.IsRunning() }, 5*time.Second, 20*time.Millisecond)

	assert.EqualValues(t, 1, m.ErrorCount())
	assert.False(t, s.Status().Running)
	require.NoError(t, s.Stop())
}

func TestStop_EscalatesToKill(t *testing.T) {
	script := filepath.Join(t.TempDir(), "stubborn.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ntrap '' TERM\nwhile :; do sleep 0.05; done\n"), 0o755))

	s := New(config.Socks5Config{
		Enabled: true,
		Binary:  script,
		IP:      "127.0.0.1",
		Port:    1080,
		NoAuth:  true,
	}, util.NewLogger(0), nil)
	s.GracePeriod = 100 * time.Millisecond

	require.NoError(t, s.Start())
	require.Eventually(t, s.IsRunning, time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWatch_RestartsOnUsersChange(t *testing.T) {
	cfg, _ := fakeConfig(t)
	cfg.UsersCSV = filepath.Join(t.TempDir(), "users.csv")
	cfg.WatchUsers = true
	require.NoError(t, WriteUsersFile(cfg.UsersCSV, []User{{"alice", "one"}}))

	m := metrics.New()
	s := New(cfg, util.NewLogger(0), m)
	defer s.Close()
	require.NoError(t, s.Start())
	first := s.Status().PID

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, AddUser(cfg.UsersCSV, User{"bob", "two"}))

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Running && st.PID != first
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, m.ProxyRestarts(), int64(1))

	cancel()
	require.NoError(t, <-done)
}

func TestWatch_StopsAfterClose(t *testing.T) {
	cfg, _ := fakeConfig(t)
	cfg.UsersCSV = filepath.Join(t.TempDir(), "users.csv")
	cfg.WatchUsers = true
	require.NoError(t, WriteUsersFile(cfg.UsersCSV, []User{{"alice", "one"}}))

	s := New(cfg, util.NewLogger(0), nil)
	require.NoError(t, s.Start())

	done := make(chan error, 1)
	go func() { done <- s.Watch(context.Background()) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, AddUser(cfg.UsersCSV, User{"bob", "two"}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher kept running after Close")
	}
	assert.False(t, s.IsRunning())
}

func TestWatch_NotApplicable(t *testing.T) {
	s := New(config.Socks5Config{Enabled: true, NoAuth: true, WatchUsers: true, UsersCSV: "x.csv"}, util.NewLogger(0), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Watch(ctx))
}

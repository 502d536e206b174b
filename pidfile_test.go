package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePIDFileLocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.pid")

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Second acquisition must fail while the lock is held.
	_, err = writePIDFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	cleanup()

	// Released lock can be reacquired.
	cleanup2, err := writePIDFile(path)
	require.NoError(t, err)
	cleanup2()
}

func TestWritePIDFileEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := writePIDFile("")
	require.Error(t, err)
}

func TestReadPIDFileInvalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "monitor.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))

	_, err := readPIDFile(path)
	require.Error(t, err)
}

func TestSendSIGHUPNoPIDFile(t *testing.T) {
	t.Parallel()

	err := sendSIGHUP(filepath.Join(t.TempDir(), "monitor.pid"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running monitor")
}

func TestSendSIGHUPDeliversToRunningProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.pid")

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)
	defer cleanup()

	got := make(chan os.Signal, 1)
	signal.Notify(got, syscall.SIGHUP)
	defer signal.Stop(got)

	require.NoError(t, sendSIGHUP(path))

	select {
	case sig := <-got:
		assert.Equal(t, syscall.SIGHUP, sig)
	case <-time.After(5 * time.Second):
		t.Fatal("SIGHUP not received")
	}
}

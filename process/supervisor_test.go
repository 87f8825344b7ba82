//go:build !windows

package process

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpnctl/common"
)

// writeScript creates an executable shell script standing in for the
// tunnel binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-openvpn")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines, "\n")
}

func TestSupervisor_LaunchForwardsOutput(t *testing.T) {
	script := writeScript(t, `echo "args: $@"; echo "oops" >&2; exec sleep 30`)
	out := &lineCollector{}
	pwDir := t.TempDir()

	s := NewSupervisor(WithGracePeriod(200 * time.Millisecond))
	h, err := s.Launch("vpn.example.com", LaunchConfig{
		Binary:             script,
		ManagementPassword: "mgmt-secret",
		PasswordDir:        pwDir,
		OnOutput:           out.add,
	})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "vpn.example.com", h.RemoteHost)
	assert.GreaterOrEqual(t, h.ManagementPort, common.ManagementPortMin)
	assert.LessOrEqual(t, h.ManagementPort, common.ManagementPortMax)
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool {
		j := out.joined()
		return strings.Contains(j, "--remote vpn.example.com") && strings.Contains(j, "oops")
	}, 3*time.Second, 20*time.Millisecond)

	matches, _ := filepath.Glob(filepath.Join(pwDir, common.ManagementPassFileName+".*"))
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, "mgmt-secret\n", string(data))
	info, _ := os.Stat(matches[0])
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.NotContains(t, out.joined(), "mgmt-secret")
	assert.Contains(t, out.joined(), matches[0])

	require.NoError(t, s.Close())
	assert.False(t, s.IsRunning())
	_, err = os.Stat(matches[0])
	assert.True(t, os.IsNotExist(err), "password file must be removed on close")
}

func TestSupervisor_ForwardsFinalLineBeforeExit(t *testing.T) {
	script := writeScript(t, `i=0
while [ $i -lt 3000 ]; do echo "line $i"; i=$((i+1)); done
echo "FINAL Cannot open TUN/TAP dev" >&2
exit 1`)

	for run := 0; run < 5; run++ {
		out := &lineCollector{}
		s := NewSupervisor()
		_, err := s.Launch("h", LaunchConfig{Binary: script, OnOutput: out.add})
		require.NoError(t, err)

		select {
		case <-s.Exited():
		case <-time.After(10 * time.Second):
			t.Fatal("process did not exit")
		}
		j := out.joined()
		assert.Contains(t, j, "line 2999")
		assert.Contains(t, j, "FINAL Cannot open TUN/TAP dev")
		assert.Error(t, s.ExitErr())
		require.NoError(t, s.Close())
	}
}

func TestSupervisor_LaunchFailure(t *testing.T) {
	s := NewSupervisor()
	_, err := s.Launch("h", LaunchConfig{Binary: filepath.Join(t.TempDir(), "missing")})

	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrLaunchFailure))
	var le *common.LaunchError
	assert.ErrorAs(t, err, &le)
	assert.False(t, s.IsRunning())
}

func TestSupervisor_LaunchOnlyOnce(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)
	s := NewSupervisor(WithGracePeriod(100 * time.Millisecond))
	_, err := s.Launch("h", LaunchConfig{Binary: script})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Launch("h", LaunchConfig{Binary: script})
	assert.ErrorIs(t, err, common.ErrLaunchFailure)
}

func TestSupervisor_GracefulShutdown(t *testing.T) {
	// Exits on its own once the interrupt line arrives on stdin.
	script := writeScript(t, `trap '' INT TERM; read line; exit 0`)
	s := NewSupervisor()
	_, err := s.Launch("h", LaunchConfig{Binary: script})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Shutdown(5*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Close())
}

func TestSupervisor_ForceKillAfterGrace(t *testing.T) {
	// Ignores every graceful request.
	script := writeScript(t, `trap '' INT TERM; exec sleep 30`)
	s := NewSupervisor()
	_, err := s.Launch("h", LaunchConfig{Binary: script})
	require.NoError(t, err)

	grace := 300 * time.Millisecond
	start := time.Now()
	require.NoError(t, s.Shutdown(grace))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, grace)
	assert.Less(t, elapsed, grace+killWait)
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Close())
}

func TestSupervisor_CloseIdempotent(t *testing.T) {
	s := NewSupervisor()
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Nil(t, s.Handle())
	assert.False(t, s.IsRunning())
}

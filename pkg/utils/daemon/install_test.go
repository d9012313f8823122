package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeSystemctl(t *testing.T, fail error) *[][]string {
	t.Helper()

	var calls [][]string
	orig, origPath := runSystemctl, unitPath
	runSystemctl = func(args ...string) error {
		calls = append(calls, args)
		return fail
	}
	unitPath = filepath.Join(t.TempDir(), "system", unitName)
	t.Cleanup(func() { runSystemctl, unitPath = orig, origPath })
	return &calls
}

func TestRenderUnit(t *testing.T) {
	b, err := renderUnit("/usr/local/bin/weight-tracker", "/etc/weight-tracker.json", "")
	require.NoError(t, err)
	unit := string(b)

	assert.Contains(t, unit, "ExecStart=/usr/local/bin/weight-tracker daemon --config=/etc/weight-tracker.json\n")
	assert.Contains(t, unit, "Restart=on-failure")
	assert.Contains(t, unit, "RestartSec=5s")
	assert.Contains(t, unit, "StartLimitBurst=5")
	assert.Contains(t, unit, "WantedBy=multi-user.target")

	b, err = renderUnit("/usr/local/bin/weight-tracker", "/etc/weight-tracker.json", "/run/weight-tracker.sock")
	require.NoError(t, err)
	assert.Contains(t, string(b), "--daemon-addr=/run/weight-tracker.sock")
}

func TestInstallAndUninstall(t *testing.T) {
	calls := fakeSystemctl(t, nil)

	require.NoError(t, Install("/etc/weight-tracker.json", ""))
	b, err := os.ReadFile(unitPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "daemon --config=/etc/weight-tracker.json")

	require.NoError(t, Uninstall())
	assert.NoFileExists(t, unitPath)

	assert.Equal(t, [][]string{
		{"daemon-reload"},
		{"enable", "--now", unitName},
		{"disable", "--now", unitName},
		{"daemon-reload"},
	}, *calls)

	// A second uninstall finds nothing to remove.
	require.NoError(t, Uninstall())
}

func TestUninstallFails(t *testing.T) {
	fakeSystemctl(t, errors.New("unit not loaded"))
	err := Uninstall()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Are you root?")
}

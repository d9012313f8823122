package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/sirupsen/logrus"
)

const unitName = "weight-tracker.service"

var (
	unitPath = "/etc/systemd/system/" + unitName

	// runSystemctl is replaced in tests.
	runSystemctl = func(args ...string) error {
		out, err := exec.Command("systemctl", args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("systemctl %v: %w: %s", args, err, bytes.TrimSpace(out))
		}
		return nil
	}
)

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=Load cell weight tracker
After=network-online.target
Wants=network-online.target
StartLimitIntervalSec=500
StartLimitBurst=5

[Service]
Type=simple
ExecStart={{ .Exe }} daemon --config={{ .Config }}{{ if .Addr }} --daemon-addr={{ .Addr }}{{ end }}
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
User=root

[Install]
WantedBy=multi-user.target
`))

type unitData struct {
	Exe    string
	Config string
	Addr   string
}

func renderUnit(exePath, configPath, addr string) ([]byte, error) {
	var buf bytes.Buffer
	err := unitTemplate.Execute(&buf, unitData{Exe: exePath, Config: configPath, Addr: addr})
	if err != nil {
		return nil, fmt.Errorf("failed to render unit: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes a systemd unit running the current executable as the
// daemon, then enables and starts it. addr may be empty to use the listen
// address from the config.
func Install(configPath, addr string) error {
	// Get the path to the current executable
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get the path to the current executable: %w", err)
	}
	exePath, err = filepath.Abs(exePath)
	if err != nil {
		return fmt.Errorf("failed to get the absolute path to the current executable: %w", err)
	}

	err = os.Chmod(exePath, 0755)
	if err != nil {
		return fmt.Errorf("failed to chmod the current executable to 0755: %w", err)
	}

	logrus.Infof("current executable path: %s", exePath)

	unit, err := renderUnit(exePath, configPath, addr)
	if err != nil {
		return err
	}

	logrus.Infof("writing systemd unit to %s", unitPath)

	err = os.MkdirAll(filepath.Dir(unitPath), 0755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(unitPath), err)
	}

	// warn if the file already exists
	if _, err := os.Stat(unitPath); err == nil {
		logrus.Warnf("%s already exists, overwriting", unitPath)
	}

	err = os.WriteFile(unitPath, unit, 0644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", unitPath, err)
	}

	logrus.Infof("starting weight-tracker")

	if err := runSystemctl("daemon-reload"); err != nil {
		return err
	}
	if err := runSystemctl("enable", "--now", unitName); err != nil {
		return fmt.Errorf("failed to enable %s: %w", unitName, err)
	}

	return nil
}

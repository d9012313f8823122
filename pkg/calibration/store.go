package calibration

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weight-tracker/weight-tracker/pkg/utils/ptr"
)

const (
	fileVersion = 1
	fileSuffix  = ".calibration.json"
	tempPattern = ".*.tmp"
)

// ErrNotFound is returned by Load when there is no usable calibration on
// disk, either because the file is absent or because it is corrupt.
var ErrNotFound = errors.New("calibration not found")

// fileState is the on-disk representation. Pointer fields let Load tell a
// missing field from a zero value.
type fileState struct {
	Version       *int     `json:"version"`
	Gain          *Gain    `json:"gain"`
	Offset        *int64   `json:"offset"`
	ReferenceUnit *float64 `json:"referenceUnit"`
}

// FileStore persists a State as a single JSON file. Every Save replaces the
// file atomically, so a reader only ever sees the previous or the new state.
type FileStore struct {
	dir      string
	filepath string
}

// NewFileStore returns a store for the device named deviceName. The file
// name is derived from the device name so several devices can share dir.
func NewFileStore(dir, deviceName string) *FileStore {
	return &FileStore{
		dir:      dir,
		filepath: filepath.Join(dir, FileName(deviceName)),
	}
}

// FileName returns the calibration file name used for deviceName.
func FileName(deviceName string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, deviceName)
	return name + fileSuffix
}

// Path returns the calibration file path.
func (s *FileStore) Path() string {
	return s.filepath
}

// Load reads the persisted state. A missing, empty or structurally invalid
// file yields ErrNotFound (wrapped with the reason) rather than a hard error.
func (s *FileStore) Load() (State, error) {
	b, err := os.ReadFile(s.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, ErrNotFound
		}
		return State{}, pkgerrors.Wrapf(err, "failed to read calibration file %s", s.filepath)
	}

	st, err := decode(b)
	if err != nil {
		return State{}, pkgerrors.Wrapf(ErrNotFound, "corrupt calibration file %s: %v", s.filepath, err)
	}

	return st, nil
}

func decode(b []byte) (State, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return State{}, errors.New("file is empty")
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var fs fileState
	if err := dec.Decode(&fs); err != nil {
		return State{}, err
	}
	if dec.More() {
		return State{}, errors.New("trailing data after calibration record")
	}

	if fs.Version == nil || fs.Gain == nil || fs.Offset == nil || fs.ReferenceUnit == nil {
		return State{}, errors.New("missing fields")
	}
	if *fs.Version != fileVersion {
		return State{}, pkgerrors.Errorf("unsupported version %d", *fs.Version)
	}

	st := State{
		Gain:          *fs.Gain,
		Offset:        *fs.Offset,
		ReferenceUnit: *fs.ReferenceUnit,
	}
	if err := st.Validate(); err != nil {
		return State{}, err
	}

	return st, nil
}

// Save writes st atomically: temp file, flush, fsync, close, rename, then
// fsync of the directory so the rename itself is durable.
func (s *FileStore) Save(st State) error {
	if err := st.Validate(); err != nil {
		return pkgerrors.Wrap(err, "refusing to save invalid calibration")
	}

	b, err := json.MarshalIndent(fileState{
		Version:       ptr.To(fileVersion),
		Gain:          &st.Gain,
		Offset:        &st.Offset,
		ReferenceUnit: &st.ReferenceUnit,
	}, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode calibration")
	}
	b = append(b, '\n')

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "failed to create directory %s", s.dir)
	}

	s.removeStaleTemps()

	tmp, err := os.CreateTemp(s.dir, filepath.Base(s.filepath)+tempPattern)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to create temp file in %s", s.dir)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return pkgerrors.Wrapf(err, "failed to write %s", tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return pkgerrors.Wrapf(err, "failed to sync %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		return pkgerrors.Wrapf(err, "failed to close %s", tmpPath)
	}

	if err := os.Rename(tmpPath, s.filepath); err != nil {
		return pkgerrors.Wrapf(err, "failed to replace %s", s.filepath)
	}
	committed = true

	if err := syncDir(s.dir); err != nil {
		logrus.WithError(err).WithField("dir", s.dir).Warn("failed to sync calibration directory")
	}

	return nil
}

// removeStaleTemps deletes temp files left behind by an interrupted Save.
func (s *FileStore) removeStaleTemps() {
	matches, err := filepath.Glob(filepath.Join(s.dir, filepath.Base(s.filepath)+tempPattern))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			logrus.WithField("file", m).Debug("removed stale calibration temp file")
		}
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

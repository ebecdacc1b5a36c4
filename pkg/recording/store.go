package recording

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/gwillem/lerobot-hub/pkg/robot"
	"github.com/gwillem/lerobot-hub/pkg/session"
)

// Store persists finished recordings.
type Store interface {
	Save(rec *Recording) error
	Load(id string) (*Recording, error)
	List(robotID string) ([]Metadata, error)
	Delete(id string) error
}

// FileStore keeps one JSON file per recording under dir/<robot id>/.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create recordings directory")
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory of the store.
func (s *FileStore) Dir() string {
	return s.dir
}

// validName rejects ids that would escape their directory. Robot ids follow
// the same rule, so every registered robot can be recorded.
func validName(name string) error {
	if err := robot.ValidateName(name); err != nil {
		return errors.Wrapf(session.ErrInvalidArgument, "invalid name %q: %v", name, err)
	}
	return nil
}

// Save writes rec atomically. An existing recording is never overwritten.
func (s *FileStore) Save(rec *Recording) error {
	if err := validName(rec.RobotID); err != nil {
		return err
	}
	if err := validName(rec.ID); err != nil {
		return err
	}
	robotDir := filepath.Join(s.dir, rec.RobotID)
	if err := os.MkdirAll(robotDir, 0755); err != nil {
		return errors.Wrap(err, "create robot recordings directory")
	}
	path := filepath.Join(robotDir, rec.ID+".json")
	if _, err := os.Stat(path); err == nil {
		return errors.Wrapf(session.ErrAlreadyExists, "recording %s", rec.ID)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode recording")
	}
	tmp, err := os.CreateTemp(robotDir, ".recording-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write recording")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close recording")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "move recording into place")
}

// find returns the path of a recording file.
func (s *FileStore) find(id string) (string, error) {
	if err := validName(id); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", errors.Wrap(err, "read recordings directory")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, e.Name(), id+".json")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.Wrapf(session.ErrNotFound, "recording %s", id)
}

func readRecording(path string) (*Recording, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read recording")
	}
	var rec Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "parse recording %s", filepath.Base(path))
	}
	return &rec, nil
}

// Load returns the recording with the given id.
func (s *FileStore) Load(id string) (*Recording, error) {
	path, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return readRecording(path)
}

// List returns the recordings of a robot, newest first.
func (s *FileStore) List(robotID string) ([]Metadata, error) {
	if err := validName(robotID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, robotID))
	if os.IsNotExist(err) {
		return []Metadata{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read robot recordings directory")
	}

	list := make([]Metadata, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		rec, err := readRecording(filepath.Join(s.dir, robotID, name))
		if err != nil {
			return nil, err
		}
		list = append(list, rec.Metadata())
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}

// Delete removes a recording.
func (s *FileStore) Delete(id string) error {
	path, err := s.find(id)
	if err != nil {
		return err
	}
	return errors.Wrap(os.Remove(path), "delete recording")
}

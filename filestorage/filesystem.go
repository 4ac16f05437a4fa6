package filestorage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// FileSystem stores files under RootDir.
type FileSystem struct {
	RootDir string
	Log     log.Logger
}

// NewFileSystem creates rootdir if needed and returns a FileSystem over it.
func NewFileSystem(rootdir string, logger log.Logger) (*FileSystem, error) {
	err := os.MkdirAll(rootdir, os.FileMode(0755))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &FileSystem{RootDir: rootdir, Log: logger}, nil
}

// Store writes r to name. The file is written next to its destination and
// renamed into place, so readers never see a partial report.
func (fs FileSystem) Store(ctx context.Context, name string, r io.Reader, metadata map[string]interface{}) error {
	if len(metadata) > 0 {
		level.Debug(fs.Log).Log("msg", "Metadata are ignored by the filesystem backend", "file", name)
	}

	fulldestpath := filepath.Join(fs.RootDir, name)
	err := os.MkdirAll(filepath.Dir(fulldestpath), os.FileMode(0755))
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(fulldestpath), "."+filepath.Base(fulldestpath)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), fulldestpath)
}

// Delete removes a file from the filesystem storage
func (fs FileSystem) Delete(name string) error {
	err := os.Remove(filepath.Join(fs.RootDir, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists returns true if the file exists, false otherwise
func (fs FileSystem) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(fs.RootDir, name))
	return err == nil
}

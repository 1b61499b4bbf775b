package filestorage

import (
	"io"
	"os"
	"path"
	"path/filepath"
)

type FileSystem struct {
	RootDir string
}

func NewFileSystem(rootdir string) (*FileSystem, error) {
	err := os.MkdirAll(rootdir, os.FileMode(0755))
	if err != nil {
		return nil, err
	}
	return &FileSystem{RootDir: rootdir}, nil
}

// StoreFile stores an artifact to the filesystem storage and removes
// the source
func (fs FileSystem) StoreFile(srcpath string, destpath string) error {
	fulldestpath := path.Join(fs.RootDir, destpath)
	err := os.MkdirAll(filepath.Dir(fulldestpath), os.FileMode(0755))
	if err != nil {
		return err
	}

	err = os.Rename(srcpath, fulldestpath)
	if err != nil {
		// Rename fails across filesystems; fall back to a copy.
		fsrc, err := os.Open(srcpath)
		if err != nil {
			return err
		}
		defer fsrc.Close()

		fdest, err := os.Create(fulldestpath)
		if err != nil {
			return err
		}
		defer fdest.Close()

		_, err = io.Copy(fdest, fsrc)
		if err != nil {
			return err
		}
		os.Remove(srcpath)
	}

	return nil
}

// OpenFile returns a reader for a stored artifact.
func (fs FileSystem) OpenFile(fpath string) (io.ReadCloser, error) {
	return os.Open(path.Join(fs.RootDir, fpath))
}

// DeleteFile removes an artifact from the filesystem storage
func (fs FileSystem) DeleteFile(fpath string) error {
	abspath := path.Join(fs.RootDir, fpath)
	err := os.Remove(abspath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FileExists returns true if the artifact exists, false otherwise
func (fs FileSystem) FileExists(fpath string) bool {
	abspath := path.Join(fs.RootDir, fpath)
	_, err := os.Stat(abspath)
	return err == nil
}

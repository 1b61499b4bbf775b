package filestorage

import (
	"fmt"
	"io"
)

// FileStorage is an interface for implementing storage backends
// holding the generated report artifacts.
type FileStorage interface {
	// StoreFile stores a rendered artifact under destpath and removes
	// the source file.
	StoreFile(srcpath string, destpath string) error

	// OpenFile returns a reader for a stored artifact. Used by the
	// download endpoint.
	OpenFile(filepath string) (io.ReadCloser, error)

	DeleteFile(filepath string) error
	FileExists(filepath string) bool
}

// FromConfig builds a FileStorage from the processor's storage
// configuration map. Supported types are "filesystem" (key "dir") and
// "s3" (keys "region" and "bucket").
func FromConfig(cfg map[string]string) (FileStorage, error) {
	switch cfg["type"] {
	case "", "filesystem":
		dir := cfg["dir"]
		if dir == "" {
			return nil, fmt.Errorf("filesystem storage requires a dir")
		}
		fs, err := NewFileSystem(dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "s3":
		if cfg["region"] == "" || cfg["bucket"] == "" {
			return nil, fmt.Errorf("s3 storage requires region and bucket")
		}
		s3, err := NewAWSS3(cfg["region"], cfg["bucket"])
		if err != nil {
			return nil, err
		}
		return s3, nil
	}
	return nil, fmt.Errorf("Unknown storage type: %#v", cfg["type"])
}

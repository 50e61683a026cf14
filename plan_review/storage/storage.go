package storage

import (
	"io"
	"path/filepath"
)

type UsageStats struct {
	TotalBytes uint64
	FreeBytes  uint64
}

type Storage interface {
	Read(path string) (io.ReadCloser, error)

	Write(path string, data io.Reader) error

	Append(path string, data io.Reader) error

	Delete(path string) error

	List(path string) ([]string, error)

	Exists(path string) (bool, error)

	Size(path string) (int64, error)

	Usage() (UsageStats, error)

	Location() string
}

// ExportPath is where generated report files for a school are kept.
func ExportPath(schoolName string) string {
	return filepath.Join("exports", schoolName)
}

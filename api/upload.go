package api

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrFileTooLarge    = errors.New("file too large")
	ErrInvalidFileType = errors.New("invalid file type")
)

type UploadSettings struct {
	MaxFileSize  int64
	AllowedTypes []string
}

func DefaultUploadSettings() *UploadSettings {
	return &UploadSettings{
		MaxFileSize: 25 * 1024 * 1024,
		AllowedTypes: []string{
			"application/pdf",
			"image/png",
			"image/jpeg",
			"image/gif",
			"image/webp",
			"image/svg+xml",
			"image/tiff",
		},
	}
}

type UploadFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// checks the size and the detected content type before any request is made
func NewUploadFile(name string, data []byte, settings *UploadSettings) (*UploadFile, error) {
	if settings.MaxFileSize < int64(len(data)) {
		return nil, fmt.Errorf("%w: %s is %d bytes, %d allowed", ErrFileTooLarge, name, len(data), settings.MaxFileSize)
	}
	mtype := mimetype.Detect(data)
	if !mimetype.EqualsAny(mtype.String(), settings.AllowedTypes...) {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidFileType, name, mtype.String())
	}
	return &UploadFile{
		Name:        name,
		ContentType: mtype.String(),
		Data:        data,
	}, nil
}

func NewUploadFileFromPath(path string, settings *UploadSettings) (*UploadFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if settings.MaxFileSize < info.Size() {
		return nil, fmt.Errorf("%w: %s is %d bytes, %d allowed", ErrFileTooLarge, path, info.Size(), settings.MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewUploadFile(filepath.Base(path), data, settings)
}

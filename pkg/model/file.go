package model

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// File represents a local file staged for sending.
type File struct {
	ID     string
	Name   string
	Path   string
	Size   int64
	Type   string
	SHA256 string
}

// hashThreshold bounds the size up to which the SHA-256 is pre-calculated;
// hashing multi-gigabyte files up front would stall the prepare step.
const hashThreshold = 50 * 1024 * 1024

// NewFile builds a File from a path on disk.
func NewFile(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	f := &File{
		ID:   uuid.NewString(),
		Name: filepath.Base(path),
		Path: path,
		Size: info.Size(),
		Type: determineFileType(path),
	}

	if f.Size < hashThreshold {
		if hash, err := calculateSHA256(path); err == nil {
			f.SHA256 = hash
		}
	}

	return f, nil
}

// ToFileDto converts a File to the wire descriptor.
func (f *File) ToFileDto() FileDto {
	var sha *string
	if f.SHA256 != "" {
		sha = &f.SHA256
	}
	modified := time.Now().UTC().Format(time.RFC3339)
	return FileDto{
		ID:       f.ID,
		FileName: f.Name,
		Size:     f.Size,
		FileType: f.Type,
		SHA256:   sha,
		Metadata: &FileMetadata{Modified: &modified},
	}
}

// determineFileType returns a coarse MIME-ish hint from the extension.
func determineFileType(path string) string {
	switch filepath.Ext(path) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp":
		return "image"
	case ".mp4", ".mov", ".avi", ".mkv", ".webm":
		return "video"
	case ".mp3", ".wav", ".ogg", ".flac", ".aac":
		return "audio"
	case ".pdf":
		return "pdf"
	case ".txt", ".md", ".rtf":
		return "text"
	case ".zip", ".tar", ".gz", ".rar", ".7z":
		return "archive"
	case ".apk":
		return "app"
	default:
		return "application/octet-stream"
	}
}

// calculateSHA256 calculates the SHA-256 hash of a file.
func calculateSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid"
)

// ErrTooLarge is returned by SaveUpload when the stream exceeds the size limit
var ErrTooLarge = errors.New("upload exceeds size limit")

var (
	imageExts = []string{"jpg", "jpeg", "png", "gif", "bmp", "webp"}
	videoExts = []string{"mp4", "mov", "avi", "mkv", "webm", "m4v"}
)

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

func hasExt(filename string, exts []string) bool {
	ext := GetFileExtension(filename)
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// IsImageFile checks if a file has an image extension
func IsImageFile(filename string) bool {
	return hasExt(filename, imageExts)
}

// IsVideoFile checks if a file has a video extension
func IsVideoFile(filename string) bool {
	return hasExt(filename, videoExts)
}

// GenerateOutputFilename generates an output filename based on input and parameters
func GenerateOutputFilename(inputFile, outputDir, prefix, suffix, format string) string {
	baseName := filepath.Base(inputFile)
	nameWithoutExt := strings.TrimSuffix(baseName, filepath.Ext(baseName))

	if format == "" {
		format = GetFileExtension(inputFile)
		if format == "" || !IsImageFile(inputFile) {
			format = "jpg"
		}
	}

	outputName := fmt.Sprintf("%s%s%s.%s", prefix, nameWithoutExt, suffix, format)
	return filepath.Join(outputDir, outputName)
}

// ListMediaFiles recursively lists all image and video files in a directory
func ListMediaFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && (IsImageFile(path) || IsVideoFile(path)) {
			files = append(files, path)
		}
		return nil
	})

	return files, err
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks if a directory exists
func DirExists(dirname string) bool {
	info, err := os.Stat(dirname)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// SanitizeFilename removes or replaces invalid characters in filenames
func SanitizeFilename(filename string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := filename

	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}

	return strings.Trim(result, " .")
}

// SaveUpload copies r into a new uniquely named file under dir (the system temp
// directory when empty), keeping the extension of the client supplied name. At most
// limit bytes are accepted; limit <= 0 disables the check. The caller removes the file.
func SaveUpload(r io.Reader, dir, name string, limit int64) (string, int64, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := EnsureDir(dir); err != nil {
		return "", 0, fmt.Errorf("failed to create upload directory: %w", err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return "", 0, fmt.Errorf("failed to generate upload name: %w", err)
	}
	path := filepath.Join(dir, "upload-"+id.String())
	if ext := GetFileExtension(SanitizeFilename(filepath.Base(name))); ext != "" {
		path += "." + ext
	}

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create upload file: %w", err)
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && limit > 0 && n > limit {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return "", n, err
		}
		return "", n, fmt.Errorf("failed to write upload file: %w", err)
	}

	return path, n, nil
}

// FormatFileSize formats file size in human-readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}

	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

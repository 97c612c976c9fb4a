package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
	windowsDeviceNames  = map[string]struct{}{
		"CON": {}, "AUX": {}, "COM1": {}, "COM2": {}, "COM3": {}, "COM4": {},
		"LPT1": {}, "LPT2": {}, "LPT3": {}, "PRN": {}, "NUL": {},
	}
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

// IsImageFile checks if a file has an image extension
func IsImageFile(filename string) bool {
	switch GetFileExtension(filename) {
	case "jpg", "jpeg", "png", "gif", "bmp", "tiff", "tif", "webp":
		return true
	}
	return false
}

// Stem returns the base name of a path without its extension
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// CropFilename names the crop taken for box index of the source image
func CropFilename(index int, source, ext string) string {
	if ext == "" {
		ext = GetFileExtension(source)
		if ext == "" {
			ext = "png"
		}
	}
	return fmt.Sprintf("crop_%d_%s.%s", index, Stem(source), strings.TrimPrefix(ext, "."))
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// SecureFilename reduces a client supplied file name to a flat name that is
// safe to join onto a storage directory. Path separators become underscores,
// characters outside [A-Za-z0-9_.-] are dropped and leading dots are removed.
// The result may be empty.
func SecureFilename(filename string) string {
	for _, sep := range []string{"/", "\\"} {
		filename = strings.ReplaceAll(filename, sep, " ")
	}
	filename = strings.Join(strings.Fields(filename), "_")
	filename = unsafeFilenameChars.ReplaceAllString(filename, "")
	filename = strings.Trim(filename, "._")

	if _, reserved := windowsDeviceNames[strings.ToUpper(Stem(filename))]; reserved && filename != "" {
		filename = "_" + filename
	}
	return filename
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

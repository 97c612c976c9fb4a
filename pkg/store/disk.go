// Package store keeps uploaded source images and the crops taken from them on
// the local filesystem.
package store

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/menta2k/annotation-cropper/internal/utils"
	"github.com/menta2k/annotation-cropper/pkg/processing"
	"github.com/menta2k/annotation-cropper/pkg/types"
)

// URL prefixes the HTTP layer serves the two directories under
const (
	UploadURLPrefix = "/static/uploads/"
	CropURLPrefix   = "/static/annotations/"
)

var (
	// ErrNotFound is returned for an image that is not in the store
	ErrNotFound = errors.New("image not found")
	// ErrInvalidName is returned for a name that cannot be stored safely
	ErrInvalidName = errors.New("invalid file name")
	// ErrUnsupportedType is returned for an upload without an image extension
	ErrUnsupportedType = errors.New("unsupported image type")
)

// DimensionsProvider reports the size of a stored image without decoding
// its pixels
type DimensionsProvider interface {
	Dimensions(name string) (types.ImageDimensions, error)
}

var _ DimensionsProvider = (*DiskStore)(nil)

// DiskStore stores uploads and crops in two directories
type DiskStore struct {
	UploadDir string
	CropDir   string

	processor *processing.Processor
}

// NewDiskStore creates both directories if needed
func NewDiskStore(uploadDir, cropDir string) (*DiskStore, error) {
	for _, dir := range []string{uploadDir, cropDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return &DiskStore{
		UploadDir: uploadDir,
		CropDir:   cropDir,
		processor: processing.NewProcessor(),
	}, nil
}

// SaveUpload writes r under the sanitised form of name and returns that name.
// An existing file of the same name is replaced. Names without an image
// extension are rejected with ErrUnsupportedType.
func (s *DiskStore) SaveUpload(name string, r io.Reader) (string, error) {
	safe := utils.SecureFilename(name)
	if safe == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !utils.IsImageFile(safe) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, name)
	}
	if _, err := writeFile(filepath.Join(s.UploadDir, safe), r); err != nil {
		return "", err
	}
	return safe, nil
}

// SaveTemp writes r to a uniquely named file in the upload directory and
// returns its path. The caller removes it with Remove.
func (s *DiskStore) SaveTemp(name string, r io.Reader) (string, error) {
	safe := utils.SecureFilename(name)
	if safe == "" {
		safe = "upload"
	}
	p := filepath.Join(s.UploadDir, "tmp_"+uuid.NewString()+"_"+safe)
	if _, err := writeFile(p, r); err != nil {
		return "", err
	}
	return p, nil
}

// UploadPath resolves a stored upload name to its path. Names that would not
// survive sanitising are rejected so a request cannot escape the directory.
func (s *DiskStore) UploadPath(name string) (string, error) {
	if name == "" || utils.SecureFilename(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.UploadDir, name), nil
}

// Exists reports whether an upload of that name is stored
func (s *DiskStore) Exists(name string) bool {
	p, err := s.UploadPath(name)
	if err != nil {
		return false
	}
	return utils.FileExists(p)
}

// Open decodes a stored upload
func (s *DiskStore) Open(name string) (image.Image, error) {
	p, err := s.UploadPath(name)
	if err != nil {
		return nil, err
	}
	if !utils.FileExists(p) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	img, err := s.processor.LoadImage(p)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return img, nil
}

// Dimensions reads only the header of a stored upload
func (s *DiskStore) Dimensions(name string) (types.ImageDimensions, error) {
	p, err := s.UploadPath(name)
	if err != nil {
		return types.ImageDimensions{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return types.ImageDimensions{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return types.ImageDimensions{}, err
	}
	defer f.Close()
	return s.processor.DecodeDimensions(f)
}

// Remove deletes a file created by SaveTemp
func (s *DiskStore) Remove(p string) error {
	return os.Remove(p)
}

// SaveCrop encodes img into the crop directory under name
func (s *DiskStore) SaveCrop(name string, img image.Image, out types.OutputConfig) (string, error) {
	safe := utils.SecureFilename(name)
	if safe == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	p := filepath.Join(s.CropDir, safe)
	if err := s.processor.SaveImage(img, p, out.Format, out.Quality, out.Lossless); err != nil {
		return "", fmt.Errorf("failed to save crop %s: %w", safe, err)
	}
	return safe, nil
}

// CropURL is the public URL of a saved crop
func (s *DiskStore) CropURL(name string) string {
	return path.Join(CropURLPrefix, name)
}

// UploadURL is the public URL of a stored upload
func (s *DiskStore) UploadURL(name string) string {
	return path.Join(UploadURLPrefix, name)
}

func writeFile(p string, r io.Reader) (int64, error) {
	f, err := os.Create(p)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", p, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(p)
		return 0, fmt.Errorf("failed to write %s: %w", p, err)
	}
	return n, nil
}

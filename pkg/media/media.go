// Package media manages uploaded source videos and rendered supercuts on
// local disk.
package media

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// AllowedExtensions lists the (lowercase) extensions accepted for uploads.
var AllowedExtensions = []string{".mp4", ".mov", ".avi", ".webm", ".mkv"}

var (
	ErrUnsupportedType = errors.New("only video files are allowed")
	ErrNotFound        = errors.New("video not found")
)

type Store struct {
	UploadDir string
	ExportDir string
	// Defaults to time.Now.
	Now func() time.Time
}

// NewStore creates the upload and export directories if they do not exist.
func NewStore(uploadDir, exportDir string) (*Store, error) {
	for _, dir := range []string{uploadDir, exportDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return &Store{
		UploadDir: uploadDir,
		ExportDir: exportDir,
		Now:       time.Now,
	}, nil
}

// createUnique creates a new file in dir named prefix+stamp+ext, adding a -k
// suffix to the stamp if a file with that name already exists.
func createUnique(dir, prefix, stamp, ext string) (*os.File, error) {
	for k := 0; ; k++ {
		name := prefix + stamp
		if k > 0 {
			name += "-" + strconv.Itoa(k)
		}
		f, err := os.OpenFile(filepath.Join(dir, name+ext), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return f, err
	}
}

func (s *Store) stamp() string {
	return strconv.FormatInt(s.Now().UnixMilli(), 10)
}

// Save stores an uploaded video under a server-generated name that keeps the
// original extension, and returns its path. Only AllowedExtensions are
// accepted.
func (s *Store) Save(originalName string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if !slices.Contains(AllowedExtensions, ext) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, originalName)
	}
	f, err := createUnique(s.UploadDir, "", s.stamp(), ext)
	if err != nil {
		return "", fmt.Errorf("failed to create upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// Resolve maps the identifier of an uploaded video, either the path returned
// by Save or a bare file name, to its path in the upload directory. Anything
// that is not a regular video file directly inside the upload directory is
// reported as ErrNotFound.
func (s *Store) Resolve(id string) (string, error) {
	notFound := fmt.Errorf("%w: %q", ErrNotFound, id)
	name := id
	if !validName(id) {
		dir, err := filepath.Abs(s.UploadDir)
		if err != nil {
			return "", err
		}
		path, err := filepath.Abs(id)
		if err != nil || filepath.Dir(path) != dir {
			return "", notFound
		}
		name = filepath.Base(path)
	}
	if !slices.Contains(AllowedExtensions, strings.ToLower(filepath.Ext(name))) {
		return "", notFound
	}
	path := filepath.Join(s.UploadDir, name)
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", notFound
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", notFound
	}
	return path, nil
}

// ResolveAll resolves every identifier, failing on the first unknown one.
func (s *Store) ResolveAll(ids []string) ([]string, error) {
	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		path, err := s.Resolve(id)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ReserveExport claims a new, unique supercut_<millis>.mp4 file in the export
// directory and returns its name and full path. The file is created empty.
func (s *Store) ReserveExport() (name, path string, err error) {
	f, err := createUnique(s.ExportDir, "supercut_", s.stamp(), ".mp4")
	if err != nil {
		return "", "", fmt.Errorf("failed to reserve export: %w", err)
	}
	f.Close()
	return filepath.Base(f.Name()), f.Name(), nil
}

// Release removes a reserved export that was never rendered.
func (s *Store) Release(name string) {
	if validName(name) {
		os.Remove(filepath.Join(s.ExportDir, name))
	}
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

// OpenExport opens a rendered supercut by file name. Names that would
// resolve outside the export directory are reported as ErrNotFound.
func (s *Store) OpenExport(name string) (*os.File, fs.FileInfo, error) {
	if !validName(name) {
		return nil, nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.ExportDir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

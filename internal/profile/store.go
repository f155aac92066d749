// Package profile persists per-user browser data directories between pooled
// instance lifetimes, so cookies and local storage survive instance recycling.
package profile

import (
	"archive/tar"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Store archives user-data directories as tar.gz files under a base path.
type Store struct {
	basePath string
	mu       sync.Mutex
}

func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}
	return &Store{basePath: basePath}, nil
}

// archivePath maps a user identity to a filesystem-safe archive name.
func (s *Store) archivePath(userID string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(userID))
	return filepath.Join(s.basePath, name+".tar.gz")
}

// Has reports whether a saved profile exists for the user.
func (s *Store) Has(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := os.Stat(s.archivePath(userID))
	return err == nil
}

// Save compresses the user-data directory into the user's profile archive,
// replacing any previous one.
func (s *Store) Save(userID, dataDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := compressDirectory(dataDir, s.archivePath(userID)); err != nil {
		return fmt.Errorf("failed to save profile for %s: %w", userID, err)
	}
	return nil
}

// Load extracts the user's profile into a fresh working directory and returns
// its path. When no profile exists an empty directory is returned, ready for
// first use.
func (s *Store) Load(userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	workDir, err := os.MkdirTemp("", "relaygate-profile-")
	if err != nil {
		return "", fmt.Errorf("failed to create working directory: %w", err)
	}

	archive := s.archivePath(userID)
	if _, err := os.Stat(archive); os.IsNotExist(err) {
		return workDir, nil
	}

	if err := extractDirectory(archive, workDir); err != nil {
		os.RemoveAll(workDir)
		return "", fmt.Errorf("failed to load profile for %s: %w", userID, err)
	}
	return workDir, nil
}

// Delete removes the user's saved profile.
func (s *Store) Delete(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.archivePath(userID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete profile for %s: %w", userID, err)
	}
	return nil
}

func compressDirectory(source, target string) error {
	file, err := os.Create(target)
	if err != nil {
		return err
	}
	defer file.Close()

	gzWriter := gzip.NewWriter(file)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, info.Name())
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		header.Name = relPath

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if !info.IsDir() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			_, err = io.Copy(tarWriter, f)
			return err
		}
		return nil
	})
}

func extractDirectory(source, target string) error {
	file, err := os.Open(source)
	if err != nil {
		return err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		targetPath := filepath.Join(target, filepath.Clean(header.Name))

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return err
			}

			outFile, err := os.Create(targetPath)
			if err != nil {
				return err
			}

			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return err
			}
			outFile.Close()
		}
	}

	return nil
}

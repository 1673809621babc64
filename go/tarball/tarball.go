// Package tarball packs DICOM series directories into uncompressed tar
// archives for submission to inference servers, and unpacks the archives
// those servers return.
package tarball

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Pack writes an uncompressed tar archive at archivePath. Each directory of
// dirs becomes a top-level entry named by its basename, with its files below.
func Pack(archivePath string, dirs []string) error {
	var f, err = os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer f.Close()

	var tw = tar.NewWriter(f)
	for _, dir := range dirs {
		if err = packDir(tw, dir); err != nil {
			return fmt.Errorf("packing %s: %w", dir, err)
		}
	}
	if err = tw.Close(); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}
	return f.Close()
}

func packDir(tw *tar.Writer, dir string) error {
	var base = filepath.Base(dir)
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		} else if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(filepath.Join(base, rel))
		if d.IsDir() {
			header.Name += "/"
		}
		if err = tw.WriteHeader(header); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(tw, file)
		return err
	})
}

// Unpack extracts the tar archive at archivePath into destDir. Entries that
// would escape destDir are rejected.
func Unpack(archivePath, destDir string) error {
	var f, err = os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	var tr = tar.NewReader(f)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading archive header: %w", err)
		}

		var target = filepath.Join(destDir, header.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %s escapes the extraction directory", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("creating directory %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err = unpackFile(target, tr); err != nil {
				return fmt.Errorf("extracting %s: %w", header.Name, err)
			}
		default:
			log.WithFields(log.Fields{
				"entry": header.Name,
				"type":  header.Typeflag,
			}).Warn("skipping unsupported archive entry")
		}
	}
}

func unpackFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	var f, err = os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = io.Copy(f, r); err != nil {
		return err
	}
	return f.Close()
}

package core

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/klauspost/compress/zip"
)

// WriteZip streams the tree as a deflate archive. Entry names are the
// files' paths relative to the tree root.
func (ft *Filetree) WriteZip(w io.Writer) (int, error) {
	zipWriter := zip.NewWriter(w)

	files := ft.Files()
	for _, f := range files {
		if err := addFileToZip(zipWriter, f.Path(), path.Join(f.RelDir(), f.Name())); err != nil {
			zipWriter.Close()
			return 0, err
		}
	}

	if err := zipWriter.Close(); err != nil {
		return 0, fmt.Errorf("failed to close zip writer: %w", err)
	}

	return len(files), nil
}

func addFileToZip(zw *zip.Writer, srcPath, archivePath string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", srcPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header: %w", err)
	}
	header.Name = archivePath
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create zip entry: %w", err)
	}

	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("failed to write file to zip: %w", err)
	}

	return nil
}

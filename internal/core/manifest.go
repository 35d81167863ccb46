package core

import (
	"mime"
	"path/filepath"
	"time"
)

// ManifestEntry is one file to upload and where it goes inside the share.
type ManifestEntry struct {
	Path   string
	Name   string
	RelDir string
	Size   int64
	Type   string
}

// Manifest lists the files of a tree in upload order.
type Manifest struct {
	Entries   []ManifestEntry
	TotalSize int64
	CreatedAt time.Time
}

func NewManifest(ft *Filetree) *Manifest {
	m := &Manifest{CreatedAt: time.Now()}
	for _, f := range ft.Files() {
		m.Entries = append(m.Entries, ManifestEntry{
			Path:   f.Path(),
			Name:   f.Name(),
			RelDir: f.RelDir(),
			Size:   f.Size(),
			Type:   detectType(f.Name()),
		})
		m.TotalSize += f.Size()
	}
	return m
}

func detectType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

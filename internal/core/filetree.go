package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type Filetree struct {
	Root *Node
}

// BuildFiletree builds one tree from the given paths. Entries whose
// slash-separated path relative to their argument matches any exclude glob
// are skipped.
func BuildFiletree(paths []ParsedPath, excludes []string) (*Filetree, error) {
	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(pattern) {
			return nil, &ValidationError{Arg: pattern, Cause: "invalid exclude pattern"}
		}
	}

	var rootNodes []Node

	for _, parsedPath := range paths {
		if parsedPath.Kind == PathDir {
			dirNode, err := buildDirTree(parsedPath.FullPath, "", excludes)
			if err != nil {
				return nil, err
			}
			rootNodes = append(rootNodes, dirNode)
		} else {
			name := filepath.Base(parsedPath.FullPath)
			if excluded(excludes, name) {
				continue
			}
			fileNode, err := newFile(parsedPath.FullPath, name, nil)
			if err != nil {
				return nil, err
			}
			rootNodes = append(rootNodes, fileNode)
		}
	}

	if len(rootNodes) == 0 {
		return nil, fmt.Errorf("no valid paths provided")
	}

	// determine root
	var root Node
	if len(rootNodes) == 1 {
		root = rootNodes[0]
	} else {
		root = createVirtualRoot(rootNodes)
	}

	return &Filetree{
		Root: &root,
	}, nil
}

// LoadDir builds a tree of everything below dirPath. The root itself is
// virtual, so file paths are relative to dirPath.
func LoadDir(dirPath string) (*Filetree, error) {
	dir, err := buildDirTree(dirPath, "", nil)
	if err != nil {
		return nil, err
	}
	dir.virtual = true

	var root Node = dir
	return &Filetree{Root: &root}, nil
}

func excluded(excludes []string, rel string) bool {
	for _, pattern := range excludes {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func newFile(path, name string, dir *Dir) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &File{path: path, name: name, size: info.Size(), dir: dir}, nil
}

func buildDirTree(dirPath, rel string, excludes []string) (*Dir, error) {
	dir := &Dir{
		path:     dirPath,
		name:     filepath.Base(dirPath),
		children: []Node{},
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		childPath := filepath.Join(dirPath, entry.Name())
		childRel := strings.TrimPrefix(rel+"/"+entry.Name(), "/")
		if excluded(excludes, childRel) {
			continue
		}

		if entry.IsDir() {
			childDir, err := buildDirTree(childPath, childRel, excludes)
			if err != nil {
				return nil, err
			}
			childDir.parent = dir
			dir.children = append(dir.children, childDir)
		} else if entry.Type().IsRegular() {
			childFile, err := newFile(childPath, entry.Name(), dir)
			if err != nil {
				return nil, err
			}
			dir.children = append(dir.children, childFile)
		}
	}

	return dir, nil
}

func createVirtualRoot(children []Node) *Dir {
	virtualRoot := &Dir{
		path:     "",
		name:     "",
		children: children,
		virtual:  true,
	}

	for _, child := range children {
		if dir, ok := child.(*Dir); ok {
			dir.parent = virtualRoot
		} else if file, ok := child.(*File); ok {
			file.dir = virtualRoot
		}
	}

	return virtualRoot
}

// FlattenTree returns every node in depth-first order, directories before
// their children.
func (ft *Filetree) FlattenTree() []Node {
	var nodes []Node
	var walk func(n Node)
	walk = func(n Node) {
		nodes = append(nodes, n)
		if d, ok := n.(*Dir); ok {
			for _, child := range d.children {
				walk(child)
			}
		}
	}
	walk(*ft.Root)
	return nodes
}

// Files returns the file nodes of the tree.
func (ft *Filetree) Files() []*File {
	var files []*File
	for _, n := range ft.FlattenTree() {
		if f, ok := n.(*File); ok {
			files = append(files, f)
		}
	}
	return files
}

func (ft *Filetree) GetUncompressedSize() int64 {
	var totalSize int64
	for _, f := range ft.Files() {
		totalSize += f.size
	}
	return totalSize
}

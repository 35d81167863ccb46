package core

type Node interface {
	Path() string
	Name() string
}

type File struct {
	path string
	name string
	size int64
	dir  *Dir
}

// Dir is a directory node. A virtual dir groups nodes without contributing
// its own name to their relative paths.
type Dir struct {
	path     string
	name     string
	children []Node
	parent   *Dir
	virtual  bool
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Name() string {
	return f.name
}

func (f *File) Size() int64 {
	return f.size
}

// RelDir is the slash-separated directory of f relative to the tree root.
func (f *File) RelDir() string {
	if f.dir == nil {
		return ""
	}
	return f.dir.relPath()
}

func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) Name() string {
	return d.name
}

func (d *Dir) Children() []Node {
	return d.children
}

func (d *Dir) relPath() string {
	if d == nil || d.virtual {
		if d != nil && d.parent != nil {
			return d.parent.relPath()
		}
		return ""
	}
	parent := d.parent.relPath()
	if parent == "" {
		return d.name
	}
	return parent + "/" + d.name
}

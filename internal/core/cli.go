package core

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type PathKind int

const (
	PathFile PathKind = iota
	PathDir
)

type ParsedPath struct {
	FullPath string
	Kind     PathKind
}

const (
	DefaultServer    = "http://localhost:8080"
	DefaultChunkSize = 8 * units.MiB
)

// Options is everything the upload command line can say.
type Options struct {
	Server        string
	Token         string
	Name          string
	Description   string
	Password      string
	Expires       time.Duration
	DownloadLimit int
	ChunkSize     int64
	Parallel      int
	Direct        bool
	Excludes      []string
	Paths         []ParsedPath
}

type excludeFlag []string

func (e *excludeFlag) String() string { return strings.Join(*e, ",") }

func (e *excludeFlag) Set(v string) error {
	*e = append(*e, v)
	return nil
}

// ParseOptions parses flags followed by the files to upload. PARCEL_SERVER
// and PARCEL_TOKEN fill in the server and token when the flags are absent.
func ParseOptions(args []string, stderr io.Writer) (*Options, error) {
	opts := &Options{}
	var excludes excludeFlag
	var chunk string

	fs := flag.NewFlagSet("parcel", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.Server, "server", envOr("PARCEL_SERVER", DefaultServer), "server base URL")
	fs.StringVar(&opts.Token, "token", os.Getenv("PARCEL_TOKEN"), "bearer token")
	fs.StringVar(&opts.Name, "name", "", "share name")
	fs.StringVar(&opts.Description, "description", "", "share description")
	fs.StringVar(&opts.Password, "password", "", "share password")
	fs.DurationVar(&opts.Expires, "expires", 0, "share lifetime, e.g. 72h")
	fs.IntVar(&opts.DownloadLimit, "limit", 0, "maximum number of downloads")
	fs.StringVar(&chunk, "chunk-size", units.BytesSize(float64(DefaultChunkSize)), "chunk size, e.g. 8MiB")
	fs.IntVar(&opts.Parallel, "parallel", 4, "chunks uploaded at once")
	fs.BoolVar(&opts.Direct, "direct", false, "send files in a single multipart request")
	fs.Var(&excludes, "exclude", "glob of paths to skip (repeatable)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	size, err := units.RAMInBytes(chunk)
	if err != nil || size <= 0 {
		return nil, &ValidationError{Arg: chunk, Cause: "invalid chunk size"}
	}
	opts.ChunkSize = size
	if opts.Parallel < 1 {
		return nil, &ValidationError{Arg: "-parallel", Cause: "must be at least 1"}
	}
	if opts.Expires < 0 {
		return nil, &ValidationError{Arg: "-expires", Cause: "must not be negative"}
	}
	if opts.DownloadLimit < 0 {
		return nil, &ValidationError{Arg: "-limit", Cause: "must not be negative"}
	}
	opts.Excludes = excludes

	opts.Paths, err = ParseArgs(fs.Args())
	if err != nil {
		return nil, err
	}
	return opts, nil
}

// IsHelp reports whether err came from -h.
func IsHelp(err error) bool {
	return errors.Is(err, flag.ErrHelp)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func ParseArgs(args []string) ([]ParsedPath, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var out []ParsedPath

	for _, raw := range args {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}

		kind := PathFile
		if info.IsDir() {
			kind = PathDir
		}

		out = append(out, ParsedPath{FullPath: p, Kind: kind})
	}

	return out, nil
}

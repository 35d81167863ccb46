package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"parcel/internal/client"
	"parcel/internal/core"

	"github.com/docker/go-units"
)

const defaultExpiry = 7 * 24 * time.Hour

func main() {
	opts, err := core.ParseOptions(os.Args[1:], os.Stderr)
	if err != nil {
		if core.IsHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *core.Options) error {
	filetree, err := core.BuildFiletree(opts.Paths, opts.Excludes)
	if err != nil {
		return fmt.Errorf("building filetree: %w", err)
	}

	manifest := core.NewManifest(filetree)
	fmt.Printf("Uploading %d file(s), %s\n", len(manifest.Entries), units.HumanSize(float64(manifest.TotalSize)))

	expires := opts.Expires
	if expires == 0 {
		expires = defaultExpiry
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(opts.Paths[0].FullPath)
	}
	req := client.ShareRequest{
		Name:        name,
		Description: opts.Description,
		ExpiresAt:   time.Now().Add(expires),
		Password:    opts.Password,
	}

	c := client.New(client.Config{
		Server:    opts.Server,
		Token:     opts.Token,
		ChunkSize: opts.ChunkSize,
		Parallel:  opts.Parallel,
	})

	var share *client.Share
	if opts.Direct {
		share, err = c.CreateShare(ctx, req, manifest)
	} else {
		share, err = c.Upload(ctx, req, manifest, progressPrinter())
		fmt.Println()
	}
	if err != nil {
		return err
	}

	if opts.DownloadLimit > 0 {
		if share, err = c.SetDownloadLimit(ctx, share.ID, opts.DownloadLimit); err != nil {
			return fmt.Errorf("setting download limit: %w", err)
		}
	}

	fmt.Printf("✓ Share %q created (%s)\n", share.Name, share.Status)
	fmt.Printf("  %s\n", share.URL)
	fmt.Printf("  expires %s\n", share.ExpiresAt.Local().Format(time.RFC1123))
	if share.DownloadLimit != nil {
		fmt.Printf("  download limit %d\n", *share.DownloadLimit)
	}
	return nil
}

// progressPrinter redraws a single status line at most every 100ms.
func progressPrinter() client.Progress {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func(sent, total int64) {
		mu.Lock()
		defer mu.Unlock()
		if time.Since(last) < 100*time.Millisecond && sent < total {
			return
		}
		last = time.Now()
		fmt.Printf("\r  %s / %s", units.HumanSize(float64(sent)), units.HumanSize(float64(total)))
	}
}

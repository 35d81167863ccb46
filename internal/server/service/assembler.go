package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"parcel/internal/server/database"
	"parcel/internal/server/storage"
)

// Assembler concatenates the chunks of a session into one staged file.
type Assembler struct {
	db    database.Store
	store storage.Store
}

func NewAssembler(db database.Store, store storage.Store) *Assembler {
	return &Assembler{db: db, store: store}
}

// Assemble writes the chunks of session in index order to a new temp file,
// records it as a staged File and marks the session processed. Chunk objects
// are removed only after that commit, so a failed assembly can be retried.
func (a *Assembler) Assemble(ctx context.Context, session *database.UploadSession) (*database.File, error) {
	chunks, err := a.db.ListChunks(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if missing := missingChunks(chunks, session.TotalChunks); len(missing) > 0 {
		return nil, &IncompleteChunkSetError{Missing: missing}
	}

	tempRel, out, err := a.store.CreateTemp(session.UserID, filepath.Ext(session.Filename))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	written, err := a.concat(out, chunks)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = a.store.Remove(tempRel)
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	file := &database.File{
		Name:     session.Filename,
		Type:     session.Filetype,
		Size:     written,
		TempPath: &tempRel,
	}
	err = a.db.InTx(ctx, func(tx database.Store) error {
		if err := tx.CreateFile(ctx, file); err != nil {
			return err
		}
		if err := tx.DeleteChunks(ctx, session.ID); err != nil {
			return err
		}
		return tx.MarkSessionProcessed(ctx, session.ID, file.ID)
	})
	if err != nil {
		_ = a.store.Remove(tempRel)
		return nil, err
	}

	for _, c := range chunks {
		if err := a.store.Remove(c.ChunkPath); err != nil {
			slog.Warn("failed to remove chunk", "path", c.ChunkPath, "error", err)
		}
	}
	if err := a.store.RemoveAll(a.store.ChunkDir(session.UserID, session.UploadID)); err != nil {
		slog.Warn("failed to remove chunk directory", "upload_id", session.UploadID, "error", err)
	}

	return file, nil
}

func (a *Assembler) concat(out *os.File, chunks []*database.ChunkUpload) (int64, error) {
	var total int64
	for _, c := range chunks {
		in, err := a.store.Open(c.ChunkPath)
		if err != nil {
			return total, fmt.Errorf("chunk %d: %w", c.ChunkIndex, err)
		}
		n, err := io.Copy(out, in)
		in.Close()
		total += n
		if err != nil {
			return total, fmt.Errorf("chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return total, nil
}

// missingChunks returns the indices of 0..total-1 absent from chunks.
func missingChunks(chunks []*database.ChunkUpload, total int) []int {
	seen := make(map[int]bool, len(chunks))
	for _, c := range chunks {
		seen[c.ChunkIndex] = true
	}
	var missing []int
	for i := 0; i < total; i++ {
		if !seen[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// Package ingest turns documents on disk into embedded chunks in the
// vault: read, cleanse, window, embed, store. A directory walk applies
// the same pipeline per file, skipping what it cannot use.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
)

// vaultStore is the slice of the vault the pipeline writes to.
type vaultStore interface {
	Append(sourcePath string, chunks []string, vectors [][]float32) (int, error)
}

// embedder batches chunk text into vectors.
type embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Pipeline ingests documents into the vault.
type Pipeline struct {
	vault    vaultStore
	embedder embedder
	logger   *slog.Logger
}

// New creates an ingestion pipeline.
func New(vault vaultStore, embedder embedder, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{vault: vault, embedder: embedder, logger: logger}
}

// File ingests a single document and returns the number of chunks
// actually added to the vault. A document that cleanses to nothing is
// a no-op; an embedding failure aborts this file without side effects
// beyond chunks already durable.
func (p *Pipeline) File(ctx context.Context, path string, chunkSize, overlap int) (int, error) {
	text, err := ReadToText(path)
	if err != nil {
		return 0, err
	}

	clean := Cleanse(text)
	if clean == "" {
		return 0, nil
	}

	chunks := Chunk(clean, chunkSize, overlap)
	vectors, err := p.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed %s: %w", path, err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embed %s: %d vectors for %d chunks", path, len(vectors), len(chunks))
	}

	added, err := p.vault.Append(path, chunks, vectors)
	if err != nil {
		return added, fmt.Errorf("store %s: %w", path, err)
	}

	p.logger.Info("ingested file", "path", path, "chunks", len(chunks), "added", added)
	return added, nil
}

// IndexDir recursively ingests every regular file under root.
// Dotfiles and dot-directories are skipped; a file that fails is
// logged and skipped rather than aborting the walk. Returns the count
// of files that contributed chunks and the total chunks added.
func (p *Pipeline) IndexDir(ctx context.Context, root string, chunkSize, overlap int) (int, int, error) {
	files, chunks := 0, 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		added, err := p.File(ctx, path, chunkSize, overlap)
		if err != nil {
			p.logger.Warn("skipping file", "path", path, "error", err)
			return nil
		}
		if added > 0 {
			files++
			chunks += added
		}
		return nil
	})
	if err != nil {
		return files, chunks, fmt.Errorf("walk %s: %w", root, err)
	}

	p.logger.Info("ingested directory", "root", root, "files", files, "chunks", chunks)
	return files, chunks, nil
}

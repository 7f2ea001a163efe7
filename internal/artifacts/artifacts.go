// Package artifacts persists run payloads to the blob store and records
// their refs on the run. Refs are write-once so replayed outbox items never
// clobber an existing artifact.
package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/proliferate-ai/proliferate/orchestrator/internal/store"
)

// BlobStore writes a named blob and returns its ref.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// FilesystemBlobStore keeps artifacts under a local root directory. The ref
// it returns is the key, relative to the root.
type FilesystemBlobStore struct {
	root string
}

func NewFilesystemBlobStore(root string) *FilesystemBlobStore {
	return &FilesystemBlobStore{root: root}
}

func (f *FilesystemBlobStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	path := filepath.Join(f.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return key, nil
}

// Writer snapshots a run's enrichment and completion payloads into the blob
// store and stamps the refs onto the run.
type Writer struct {
	blobs BlobStore
	store store.RunStore
}

func NewWriter(blobs BlobStore, st store.RunStore) *Writer {
	return &Writer{blobs: blobs, store: st}
}

func (w *Writer) WriteRunArtifacts(ctx context.Context, runID string) error {
	run, err := w.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("artifacts: run %s not found", runID)
	}

	var enrichmentRef, completionRef string
	if run.EnrichmentArtifactRef == "" && len(run.EnrichmentJSON) > 0 {
		enrichmentRef, err = w.blobs.Put(ctx, fmt.Sprintf("runs/%s/enrichment.json", run.ID), run.EnrichmentJSON)
		if err != nil {
			return err
		}
	}
	if run.CompletionArtifactRef == "" && len(run.CompletionJSON) > 0 {
		completionRef, err = w.blobs.Put(ctx, fmt.Sprintf("runs/%s/completion.json", run.ID), run.CompletionJSON)
		if err != nil {
			return err
		}
	}
	if enrichmentRef == "" && completionRef == "" {
		return nil
	}
	return w.store.SetArtifactRefs(ctx, runID, enrichmentRef, completionRef)
}

package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/storage"
)

// Published describes one file copied to blob storage.
type Published struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Publisher mirrors a finished run directory into blob storage.
type Publisher struct {
	blob   storage.BlobStorage
	logger logger.Logger
}

// NewPublisher creates a new artifact publisher.
func NewPublisher(blob storage.BlobStorage, log logger.Logger) *Publisher {
	return &Publisher{blob: blob, logger: log}
}

// Publish uploads every file of the run under the same root-relative key
// ("runs/{runId}/..."). The run-private auth snapshot is never uploaded.
func (p *Publisher) Publish(ctx context.Context, layout Layout) ([]Published, error) {
	var published []Published

	err := filepath.WalkDir(layout.RunDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path == layout.AuthSnapshotPath() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()

		key := layout.Relative(path)
		if err := p.blob.Upload(ctx, key, f); err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		published = append(published, Published{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		p.logger.Error(ctx, "failed to publish run artifacts", map[string]interface{}{
			"error":  err.Error(),
			"run_id": layout.RunID(),
		})
		return published, err
	}

	p.logger.Info(ctx, "run artifacts published", map[string]interface{}{
		"run_id": layout.RunID(),
		"files":  len(published),
	})
	return published, nil
}

// Remove deletes published copies. Keys that are already gone are ignored.
func (p *Publisher) Remove(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := p.blob.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrFileNotFound) {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	return nil
}

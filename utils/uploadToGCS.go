package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ArchiveObject is one raw document kept in the archive bucket.
type ArchiveObject struct {
	Bucket      string
	Name        string
	ContentType string
	Metadata    map[string]string
}

func (o ArchiveObject) URI() string {
	return "gs://" + o.Bucket + "/" + o.Name
}

// newStorageClient uses ADC unless GCS_CREDENTIALS_JSON is set.
func newStorageClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON")); credJSON != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// ArchiveToGCS stores data under obj unless the object is already there.
// written is false when an earlier run archived it.
func ArchiveToGCS(ctx context.Context, obj ArchiveObject, data []byte) (written bool, err error) {
	if obj.Bucket == "" || obj.Name == "" {
		return false, errors.New("archive bucket and object name are required")
	}
	client, err := newStorageClient(ctx)
	if err != nil {
		return false, err
	}
	defer client.Close()

	handle := client.Bucket(obj.Bucket).Object(obj.Name)
	if _, err := handle.Attrs(ctx); err == nil {
		return false, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return false, err
	}

	w := handle.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = obj.ContentType
	w.Metadata = obj.Metadata
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return false, fmt.Errorf("archive %s: %w", obj.URI(), err)
	}
	if err := w.Close(); err != nil {
		return false, fmt.Errorf("archive %s: %w", obj.URI(), err)
	}
	return true, nil
}

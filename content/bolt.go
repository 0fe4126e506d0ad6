package content

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var contentBucket = []byte("content")

// Bolt stores contents in a bbolt database file, keyed by random uuid.
type Bolt struct {
	path string
	db   *bolt.DB
}

var _ Store = (*Bolt)(nil)

// OpenBolt opens or creates the bbolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	options := *bolt.DefaultOptions
	options.Timeout = 10 * time.Second

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", path, err)
	}
	db, err := bolt.Open(path, 0600, &options)
	if err != nil {
		return nil, fmt.Errorf("open content database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(contentBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init content database: %w", err)
	}
	return &Bolt{path, db}, nil
}

func (b *Bolt) Put(ctx context.Context, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("reading content: %w", err)
	}
	ref := uuid.NewString()
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(contentBucket).Put([]byte(ref), buf)
	})
	if err != nil {
		return "", 0, fmt.Errorf("storing content: %w", err)
	}
	pkglog.Debug("content stored", slog.String("ref", ref), slog.Int("size", len(buf)))
	return ref, int64(len(buf)), nil
}

func (b *Bolt) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(contentBucket).Get([]byte(ref))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		// Only valid during the transaction.
		buf = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (b *Bolt) Remove(ctx context.Context, ref string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(contentBucket)
		if bucket.Get([]byte(ref)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return bucket.Delete([]byte(ref))
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

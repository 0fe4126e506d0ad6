package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/emersion/go-maildir"
)

// Maildir stores each content as a file in a maildir. The reference is the
// maildir key.
type Maildir struct {
	dir maildir.Dir
}

var _ Store = (*Maildir)(nil)

// OpenMaildir opens the maildir at root, initializing it if needed.
func OpenMaildir(root string) (*Maildir, error) {
	if runtime.GOOS == "windows" {
		return nil, errors.New("maildir is not supported on Windows")
	}
	dir := maildir.Dir(root)
	if _, err := os.Stat(filepath.Join(root, "cur")); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(root, 0700); err != nil {
			return nil, err
		}
		if err := dir.Init(); err != nil {
			return nil, fmt.Errorf("init maildir: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	return &Maildir{dir}, nil
}

func (m *Maildir) Put(ctx context.Context, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	msg, w, err := m.dir.Create(nil)
	if err != nil {
		return "", 0, fmt.Errorf("create maildir message: %w", err)
	}
	n, err := io.Copy(w, r)
	if xerr := w.Close(); err == nil {
		err = xerr
	}
	if err != nil {
		xerr := os.Remove(msg.Filename())
		pkglog.Check(xerr, "removing partial maildir message", slog.String("filename", msg.Filename()))
		return "", 0, fmt.Errorf("writing maildir message: %w", err)
	}
	pkglog.Debug("content stored", slog.String("ref", msg.Key()), slog.Int64("size", n))
	return msg.Key(), n, nil
}

func (m *Maildir) lookup(ref string) (*maildir.Message, error) {
	msg, err := m.dir.MessageByKey(ref)
	var kerr *maildir.KeyError
	if errors.As(err, &kerr) || errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	} else if err != nil {
		return nil, err
	}
	return msg, nil
}

func (m *Maildir) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := m.lookup(ref)
	if err != nil {
		return nil, err
	}
	return msg.Open()
}

func (m *Maildir) Remove(ctx context.Context, ref string) error {
	msg, err := m.lookup(ref)
	if err != nil {
		return err
	}
	return msg.Remove()
}

func (m *Maildir) Close() error {
	return nil
}

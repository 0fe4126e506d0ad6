/*
Package store keeps mailboxes and their messages, and distributes changes to
open sessions.

A Store is a bstore database with mailbox and message records. Message contents
are kept in a separate content store, referenced from the message records.

Each mailbox has a single shared MailboxStore, returned by OpenMailbox and
reference counted. It guards the messages of the mailbox with a reader/writer
lock with bounded wait: reads take a shared lock, appends, flag changes and
expunges take the exclusive lock. A mutation commits to the database and then
dispatches a Change to all listeners of the mailbox while still holding the
exclusive lock, so listeners see changes in commit order, and never see a change
before it is visible in the database.

Messages are addressed by UID. Ranges of sequence numbers are resolved through a
caller-supplied Resolver, typically the UID/MSN index of a session.

Content of an expunged message is erased only when all listeners that received
the expunge have released it with ChangeExpunge.Done.
*/
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mjl-/bstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"github.com/mailstate/mailstate/content"
	"github.com/mailstate/mailstate/mlog"
)

// DefaultLockTimeout is used when Options.LockTimeout is zero.
const DefaultLockTimeout = 5 * time.Second

// InitialUIDValidity returns a UIDValidity used for initializing a new
// database. Can be overridden for tests.
var InitialUIDValidity = func() uint32 {
	return uint32(time.Now().Unix() >> 1) // A 2-second resolution will get us far enough beyond 2038.
}

// Options for Open.
type Options struct {
	// Holds message contents. Required. Not closed by Store.Close.
	Content content.Store

	// Maximum wait for a mailbox lock, after which ErrBusy is returned.
	LockTimeout time.Duration

	// Mailboxes created when the database is initialized. Default Inbox.
	InitialMailboxes []string

	// For logging, with levels configured through mlog.
	Log *slog.Logger

	// For spans around operations. Default is the global provider.
	TracerProvider trace.TracerProvider
}

// Store is an opened mailbox database.
type Store struct {
	Path string
	DB   *bstore.DB

	content     content.Store
	log         mlog.Log
	lockTimeout time.Duration
	tracer      trace.Tracer

	sync.Mutex // For fields below and MailboxStore.refs/name.
	open       map[int64]*MailboxStore
	closed     bool
}

// Open opens the database at path, creating and initializing it if it does
// not exist.
//
// Contents of messages that were expunged but not yet erased at the last
// shutdown are erased now.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.Content == nil {
		return nil, ErrContentRequired
	}
	log := mlog.New("store", opts.Log)

	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := bstore.Open(ctx, path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, unavailable("open database", err)
	}

	s := &Store{
		Path:        path,
		DB:          db,
		content:     opts.Content,
		log:         log,
		lockTimeout: opts.LockTimeout,
		open:        map[int64]*MailboxStore{},
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = DefaultLockTimeout
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	s.tracer = tp.Tracer(instrumentationName)

	if err := s.init(ctx, opts.InitialMailboxes); err != nil {
		xerr := db.Close()
		log.Check(xerr, "closing database after error")
		return nil, err
	}
	if err := s.eraseLeftover(ctx); err != nil {
		xerr := db.Close()
		log.Check(xerr, "closing database after error")
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context, mailboxes []string) error {
	if len(mailboxes) == 0 {
		mailboxes = []string{"Inbox"}
	}
	mailboxes = append([]string(nil), mailboxes...)
	for i, name := range mailboxes {
		xname, err := CheckMailboxName(name)
		if err != nil {
			return err
		}
		mailboxes[i] = xname
	}

	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		nuv := NextUIDValidity{ID: 1}
		if err := tx.Get(&nuv); err == nil {
			return nil
		} else if err != bstore.ErrAbsent {
			return err
		}

		uidvalidity := InitialUIDValidity()
		for _, name := range mailboxes {
			exists, err := bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{Name: name}).Exists()
			if err != nil {
				return err
			} else if exists {
				continue
			}
			mb := Mailbox{Name: name, UIDValidity: uidvalidity, UIDNext: 1}
			if err := tx.Insert(&mb); err != nil {
				return fmt.Errorf("creating mailbox: %w", err)
			}
			uidvalidity++
		}
		if err := tx.Insert(&NextUIDValidity{1, uidvalidity}); err != nil {
			return fmt.Errorf("inserting nextuidvalidity: %w", err)
		}
		s.log.Info("initialized mailbox database", slog.Any("mailboxes", mailboxes))
		return nil
	})
	if err != nil {
		return unavailable("initializing database", err)
	}
	return nil
}

// eraseLeftover erases contents of expunged messages that were still referenced
// by sessions at the previous shutdown. No session can reference them now.
func (s *Store) eraseLeftover(ctx context.Context) error {
	l, err := bstore.QueryDB[ContentErase](ctx, s.DB).List()
	if err != nil {
		return unavailable("listing leftover content erasures", err)
	}
	for _, ce := range l {
		s.eraseContent(ce.ContentRef)
	}
	if len(l) > 0 {
		s.log.Info("erased leftover content of expunged messages", slog.Int("count", len(l)))
	}
	return nil
}

// eraseContent removes the content of an expunged message and its erase record.
// On failure, the record is kept and erasure retried at the next Open.
func (s *Store) eraseContent(ref string) {
	if s.isClosed() {
		s.log.Debug("store closed, leaving content erasure for next open", slog.String("ref", ref))
		return
	}
	ctx := context.Background()
	err := s.content.Remove(ctx, ref)
	if err != nil && !errors.Is(err, content.ErrNotFound) {
		s.log.Errorx("removing content of expunged message", err, slog.String("ref", ref))
		return
	}
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		_, err := bstore.QueryTx[ContentErase](tx).FilterNonzero(ContentErase{ContentRef: ref}).Delete()
		return err
	})
	if err != nil {
		s.log.Errorx("removing content erase record", err, slog.String("ref", ref))
		return
	}
	metricContentErased.Inc()
	s.log.Debug("erased content of expunged message", slog.String("ref", ref))
}

// write runs fn in a write transaction. Errors from the database itself, e.g.
// when starting or committing the transaction, are returned as
// ErrStoreUnavailable. Errors from fn are returned as is.
func (s *Store) write(ctx context.Context, fn func(tx *bstore.Tx) error) error {
	return s.tx(ctx, "write", fn, s.DB.Write)
}

// read is like write, for a read-only transaction.
func (s *Store) read(ctx context.Context, fn func(tx *bstore.Tx) error) error {
	return s.tx(ctx, "read", fn, s.DB.Read)
}

func (s *Store) tx(ctx context.Context, kind string, fn func(tx *bstore.Tx) error, run func(context.Context, func(*bstore.Tx) error) error) error {
	var fnerr error
	err := run(ctx, func(tx *bstore.Tx) error {
		fnerr = fn(tx)
		return fnerr
	})
	if err == nil || fnerr != nil || ctx.Err() != nil {
		return err
	}
	return unavailable(kind+" transaction", err)
}

func (s *Store) isClosed() bool {
	s.Lock()
	defer s.Unlock()
	return s.closed
}

// Close closes the database. Operations on mailboxes still open fail with
// ErrClosed.
func (s *Store) Close() error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.Unlock()
	return s.DB.Close()
}

// CheckMailboxName checks if name is a valid mailbox name, returning it
// normalized: a mailbox name "inbox" in any casing is returned as "Inbox", also
// as the first element of a hierarchical name.
func CheckMailboxName(name string) (string, error) {
	t := strings.Split(name, "/")
	if strings.EqualFold(t[0], "inbox") {
		t[0] = "Inbox"
		name = strings.Join(t, "/")
	}

	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrMailboxName)
	}
	if norm.NFC.String(name) != name {
		return "", fmt.Errorf("%w: not in unicode normalization form C", ErrMailboxName)
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.Contains(name, "//") {
		return "", fmt.Errorf("%w: bad slashes in %q", ErrMailboxName, name)
	}
	for _, c := range name {
		switch c {
		case '%', '*', '#', '&':
			return "", fmt.Errorf("%w: character %c not allowed", ErrMailboxName, c)
		}
		if c <= 0x1f || c >= 0x7f && c <= 0x9f || c == 0x2028 || c == 0x2029 {
			return "", fmt.Errorf("%w: control characters not allowed", ErrMailboxName)
		}
	}
	return name, nil
}

func (s *Store) nextUIDValidity(tx *bstore.Tx) (uint32, error) {
	nuv := NextUIDValidity{ID: 1}
	if err := tx.Get(&nuv); err != nil {
		return 0, err
	}
	v := nuv.Next
	nuv.Next++
	if err := tx.Update(&nuv); err != nil {
		return 0, err
	}
	return v, nil
}

func mailboxByName(tx *bstore.Tx, name string) (Mailbox, error) {
	mb, err := bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{Name: name}).Get()
	if err == bstore.ErrAbsent {
		return Mailbox{}, fmt.Errorf("%w: %q", ErrUnknownMailbox, name)
	} else if err != nil {
		return Mailbox{}, unavailable("looking up mailbox", err)
	}
	return mb, nil
}

// MailboxCreate creates a new mailbox with a new UIDValidity. Parent mailboxes
// of a hierarchical name that do not exist yet are created too.
func (s *Store) MailboxCreate(ctx context.Context, name string) (rmb Mailbox, rerr error) {
	name, err := CheckMailboxName(name)
	if err != nil {
		return Mailbox{}, err
	}
	if s.isClosed() {
		return Mailbox{}, ErrClosed
	}
	ctx, end := s.startOp(ctx, "mailboxcreate", attribute.String("mailbox", name))
	defer func() { end(rerr) }()

	err = s.write(ctx, func(tx *bstore.Tx) error {
		exists, err := bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{Name: name}).Exists()
		if err != nil {
			return unavailable("checking mailbox", err)
		} else if exists {
			return fmt.Errorf("%w: %q", ErrMailboxExists, name)
		}
		if err := s.createParents(tx, name); err != nil {
			return err
		}
		uidval, err := s.nextUIDValidity(tx)
		if err != nil {
			return unavailable("next uid validity", err)
		}
		rmb = Mailbox{Name: name, UIDValidity: uidval, UIDNext: 1}
		if err := tx.Insert(&rmb); err != nil {
			return unavailable("creating mailbox", err)
		}
		return nil
	})
	if err != nil {
		return Mailbox{}, err
	}
	s.log.WithContext(ctx).Debug("mailbox created", slog.String("mailbox", name), slog.Any("uidvalidity", rmb.UIDValidity))
	return rmb, nil
}

// createParents creates the parents of hierarchical mailbox name that do not
// exist yet, each with a new UIDValidity.
func (s *Store) createParents(tx *bstore.Tx, name string) error {
	elems := strings.Split(name, "/")
	for i := 1; i < len(elems); i++ {
		p := strings.Join(elems[:i], "/")
		exists, err := bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{Name: p}).Exists()
		if err != nil {
			return unavailable("checking mailbox", err)
		} else if exists {
			continue
		}
		uidval, err := s.nextUIDValidity(tx)
		if err != nil {
			return unavailable("next uid validity", err)
		}
		mb := Mailbox{Name: p, UIDValidity: uidval, UIDNext: 1}
		if err := tx.Insert(&mb); err != nil {
			return unavailable("creating parent mailbox", err)
		}
	}
	return nil
}

// MailboxList returns all mailboxes, sorted by name.
func (s *Store) MailboxList(ctx context.Context) ([]Mailbox, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	l, err := bstore.QueryDB[Mailbox](ctx, s.DB).SortAsc("Name").List()
	if err != nil {
		return nil, unavailable("listing mailboxes", err)
	}
	return l, nil
}

// MailboxFind returns the mailbox by name, or ErrUnknownMailbox.
func (s *Store) MailboxFind(ctx context.Context, name string) (mb Mailbox, rerr error) {
	name, err := CheckMailboxName(name)
	if err != nil {
		return Mailbox{}, err
	}
	if s.isClosed() {
		return Mailbox{}, ErrClosed
	}
	err = s.read(ctx, func(tx *bstore.Tx) error {
		mb, err = mailboxByName(tx, name)
		return err
	})
	return mb, err
}

// OpenMailbox returns the shared handle for mailbox name. Each call must be
// followed by a call to Close on the returned handle.
func (s *Store) OpenMailbox(ctx context.Context, name string) (*MailboxStore, error) {
	mb, err := s.MailboxFind(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.handle(mb)
}

// handle returns the shared handle for mb, with an additional reference.
func (s *Store) handle(mb Mailbox) (*MailboxStore, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	h, ok := s.open[mb.ID]
	if !ok {
		log := s.log.With(slog.Int64("mailboxid", mb.ID))
		h = &MailboxStore{
			st:   s,
			ID:   mb.ID,
			lock: newRWLock(s.lockTimeout),
			disp: NewDispatcher(log),
			log:  log,
			name: mb.Name,
		}
		s.open[mb.ID] = h
	}
	h.refs++
	return h, nil
}

// MailboxRename renames a mailbox. The mailbox keeps its ID, UIDValidity and
// messages. Listeners of the mailbox get a ChangeRenameMailbox. Missing parents
// of the new name are created, as with MailboxCreate. Mailboxes with the old
// name as hierarchy prefix are not renamed. Inbox cannot be renamed.
func (s *Store) MailboxRename(ctx context.Context, oldName, newName string) (rerr error) {
	oldName, err := CheckMailboxName(oldName)
	if err != nil {
		return err
	}
	newName, err = CheckMailboxName(newName)
	if err != nil {
		return err
	}
	if oldName == "Inbox" || newName == "Inbox" {
		return ErrInboxProtected
	}
	ctx, end := s.startOp(ctx, "mailboxrename", attribute.String("mailbox", oldName), attribute.String("newname", newName))
	defer func() { end(rerr) }()

	mb, err := s.MailboxFind(ctx, oldName)
	if err != nil {
		return err
	}
	h, err := s.handle(mb)
	if err != nil {
		return err
	}
	defer func() {
		err := h.Close()
		s.log.Check(err, "closing mailbox after rename")
	}()

	return h.exclusive(ctx, func() error {
		err := s.write(ctx, func(tx *bstore.Tx) error {
			xmb, err := h.xmailbox(tx)
			if err != nil {
				return err
			}
			exists, err := bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{Name: newName}).Exists()
			if err != nil {
				return unavailable("checking mailbox", err)
			} else if exists {
				return fmt.Errorf("%w: %q", ErrMailboxExists, newName)
			}
			xmb.Name = newName
			if err := tx.Update(&xmb); err != nil {
				return unavailable("renaming mailbox", err)
			}
			return s.createParents(tx, newName)
		})
		if err != nil {
			return err
		}

		s.Lock()
		h.name = newName
		s.Unlock()

		s.log.WithContext(ctx).Debug("mailbox renamed", slog.String("mailbox", oldName), slog.String("newname", newName))
		h.disp.Dispatch(ChangeRenameMailbox{MailboxID: mb.ID, OldName: oldName, NewName: newName})
		return nil
	})
}

// MailboxDelete removes a mailbox with all its messages. Listeners of the
// mailbox get a ChangeRemoveMailbox, and further operations on open handles
// fail with ErrMailboxRemoved. Inbox cannot be removed.
func (s *Store) MailboxDelete(ctx context.Context, name string) (rerr error) {
	name, err := CheckMailboxName(name)
	if err != nil {
		return err
	}
	if name == "Inbox" {
		return ErrInboxProtected
	}
	ctx, end := s.startOp(ctx, "mailboxdelete", attribute.String("mailbox", name))
	defer func() { end(rerr) }()

	mb, err := s.MailboxFind(ctx, name)
	if err != nil {
		return err
	}
	h, err := s.handle(mb)
	if err != nil {
		return err
	}
	defer func() {
		err := h.Close()
		s.log.Check(err, "closing mailbox after delete")
	}()

	return h.exclusive(ctx, func() error {
		var refs []string
		err := s.write(ctx, func(tx *bstore.Tx) error {
			xmb, err := h.xmailbox(tx)
			if err != nil {
				return err
			}
			q := bstore.QueryTx[Message](tx)
			q.FilterNonzero(Message{MailboxID: xmb.ID})
			msgs, err := q.List()
			if err != nil {
				return unavailable("listing messages", err)
			}
			for _, m := range msgs {
				refs = append(refs, m.ContentRef)
				if err := tx.Delete(&m); err != nil {
					return unavailable("removing message", err)
				}
			}
			if err := tx.Delete(&xmb); err != nil {
				return unavailable("removing mailbox", err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		s.Lock()
		if s.open[mb.ID] == h {
			delete(s.open, mb.ID)
		}
		h.removed = true
		s.Unlock()

		// Content is removed after the commit. Better to have content around without
		// references than references to content that is gone.
		for _, ref := range refs {
			err := s.content.Remove(ctx, ref)
			if err != nil && !errors.Is(err, content.ErrNotFound) {
				s.log.Errorx("removing content of removed mailbox", err, slog.String("ref", ref))
			}
		}

		s.log.WithContext(ctx).Debug("mailbox removed", slog.String("mailbox", name), slog.Int("messages", len(refs)))
		h.disp.Dispatch(ChangeRemoveMailbox{MailboxID: mb.ID, Name: name})
		return nil
	})
}

// OpenCount returns the number of open mailbox handles, for tests and
// diagnostics.
func (s *Store) OpenCount() int {
	s.Lock()
	defer s.Unlock()
	return len(s.open)
}

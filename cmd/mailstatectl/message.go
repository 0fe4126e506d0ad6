package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mailstate/mailstate/msgrange"
	"github.com/mailstate/mailstate/session"
	"github.com/mailstate/mailstate/store"
)

var useMSN bool

// withSession opens the store and a session on mailbox name and calls fn.
func withSession(name string, fn func(ctx context.Context, m *session.Mailbox) error) error {
	ctx := cmdContext()
	st, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	m, err := session.Open(ctx, st, name, session.Options{
		MaxPending: conf.MaxPending,
		NotifySelf: conf.NotifySelf,
	})
	if err != nil {
		return err
	}
	defer func() {
		err := m.Close()
		pkglog.Check(err, "closing session mailbox")
	}()
	return fn(ctx, m)
}

// parseRanges parses a sequence set, of sequence numbers with --msn, of UIDs
// otherwise. No argument means all messages.
func parseRanges(args []string) ([]msgrange.Range, error) {
	if len(args) == 0 {
		return []msgrange.Range{msgrange.All()}, nil
	}
	return msgrange.Parse(args[0], !useMSN)
}

func renderMessages(l []store.MessageResult) error {
	table := pterm.TableData{{"MSN", "UID", "Flags", "Size", "Received"}}
	for _, mr := range l {
		var received string
		if mr.Has(store.FetchInternalDate) {
			received = mr.Received.Format(time.RFC3339)
		}
		var size string
		if mr.Has(store.FetchSize) {
			size = strconv.FormatInt(mr.Size, 10)
		}
		table = append(table, []string{
			strconv.FormatUint(uint64(mr.MSN), 10),
			strconv.FormatUint(uint64(mr.UID), 10),
			flagString(mr.Flags, mr.Keywords),
			size,
			received,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
}

var appendCmd = &cobra.Command{
	Use:   "append mailbox file [flag ...]",
	Short: "Add a message from a file to a mailbox",
	Long:  "Add a message from a file to a mailbox. The modification time of the file is used as received time. Flags are IMAP flags, like \\Seen or keywords.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags, keywords, err := store.ParseFlags(args[2:])
		if err != nil {
			return err
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil {
			return err
		}

		return withSession(args[0], func(ctx context.Context, m *session.Mailbox) error {
			mr, err := m.Append(ctx, f, fi.ModTime(), flags, keywords)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("message appended, uid %d, msn %d, %d bytes", mr.UID, mr.MSN, mr.Size)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list mailbox [range]",
	Short: "List messages in a mailbox",
	Long:  "List messages in a mailbox. The range is an IMAP sequence set like 1:10,20:*, of UIDs, or of sequence numbers with --msn.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ranges, err := parseRanges(args[1:])
		if err != nil {
			return err
		}
		return withSession(args[0], func(ctx context.Context, m *session.Mailbox) error {
			var all []store.MessageResult
			for _, r := range ranges {
				l, err := m.Messages(ctx, r, store.FetchMeta)
				if err != nil {
					return fmt.Errorf("%s: %w", r, err)
				}
				all = append(all, l...)
			}
			return renderMessages(all)
		})
	},
}

var flagsCmd = &cobra.Command{
	Use:   "flags mailbox set|add|remove range [flag ...]",
	Short: "Change flags of messages",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var mode store.FlagMode
		switch strings.ToLower(args[1]) {
		case "set":
			mode = store.FlagsSet
		case "add":
			mode = store.FlagsAdd
		case "remove":
			mode = store.FlagsRemove
		default:
			return fmt.Errorf("unknown mode %q, must be set, add or remove", args[1])
		}
		ranges, err := parseRanges(args[2:3])
		if err != nil {
			return err
		}
		flags, keywords, err := store.ParseFlags(args[3:])
		if err != nil {
			return err
		}

		return withSession(args[0], func(ctx context.Context, m *session.Mailbox) error {
			var all []store.MessageResult
			for _, r := range ranges {
				l, err := m.SetFlags(ctx, mode, flags, keywords, r)
				if err != nil {
					return fmt.Errorf("%s: %w", r, err)
				}
				all = append(all, l...)
			}
			return renderMessages(all)
		})
	},
}

var expungeCmd = &cobra.Command{
	Use:   "expunge mailbox [range]",
	Short: "Remove messages marked \\Deleted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ranges, err := parseRanges(args[1:])
		if err != nil {
			return err
		}
		return withSession(args[0], func(ctx context.Context, m *session.Mailbox) error {
			for _, r := range ranges {
				if _, err := m.Expunge(ctx, r); err != nil {
					return fmt.Errorf("%s: %w", r, err)
				}
			}
			// Sequence numbers as they would be sent in IMAP EXPUNGE responses.
			l := m.PollExpungeEvents(true)
			for _, mr := range l {
				pterm.Info.Printfln("expunged uid %d, msn %d", mr.UID, mr.MSN)
			}
			pterm.Success.Printfln("%d message(s) expunged", len(l))
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{listCmd, flagsCmd, expungeCmd} {
		c.Flags().BoolVar(&useMSN, "msn", false, "range is of sequence numbers instead of uids")
	}
	rootCmd.AddCommand(appendCmd, listCmd, flagsCmd, expungeCmd)
}

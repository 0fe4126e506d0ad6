package main

import (
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mailstate/mailstate/store"
)

var mailboxCmd = &cobra.Command{
	Use:   "mailbox",
	Short: "Create, list, rename and delete mailboxes",
}

var mailboxCreateCmd = &cobra.Command{
	Use:   "create name",
	Short: "Create a mailbox, and its parents if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		st, closeStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		mb, err := st.MailboxCreate(ctx, args[0])
		if err != nil {
			return err
		}
		pterm.Success.Printfln("mailbox %s created, uidvalidity %d", mb.Name, mb.UIDValidity)
		return nil
	},
}

var mailboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mailboxes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		st, closeStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		l, err := st.MailboxList(ctx)
		if err != nil {
			return err
		}
		table := pterm.TableData{{"Mailbox", "Messages", "UIDValidity", "UIDNext", "Keywords"}}
		for _, mb := range l {
			h, err := st.OpenMailbox(ctx, mb.Name)
			if err != nil {
				return err
			}
			n, err := h.MessageCount(ctx)
			xerr := h.Close()
			pkglog.Check(xerr, "closing mailbox")
			if err != nil {
				return err
			}
			table = append(table, []string{
				mb.Name,
				strconv.Itoa(n),
				strconv.FormatUint(uint64(mb.UIDValidity), 10),
				strconv.FormatUint(uint64(mb.UIDNext), 10),
				strings.Join(mb.Keywords, " "),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
	},
}

var mailboxRenameCmd = &cobra.Command{
	Use:   "rename name newname",
	Short: "Rename a mailbox, keeping its messages and uidvalidity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		st, closeStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := st.MailboxRename(ctx, args[0], args[1]); err != nil {
			return err
		}
		pterm.Success.Printfln("mailbox %s renamed to %s", args[0], args[1])
		return nil
	},
}

var mailboxDeleteCmd = &cobra.Command{
	Use:   "delete name",
	Short: "Delete a mailbox with all its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		st, closeStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := st.MailboxDelete(ctx, args[0]); err != nil {
			return err
		}
		pterm.Success.Printfln("mailbox %s deleted", args[0])
		return nil
	},
}

func init() {
	mailboxCmd.AddCommand(mailboxCreateCmd, mailboxListCmd, mailboxRenameCmd, mailboxDeleteCmd)
	rootCmd.AddCommand(mailboxCmd)
}

// flagString formats flags and keywords for display.
func flagString(fl store.Flags, keywords []string) string {
	return strings.Join(store.FlagList(fl, keywords), " ")
}

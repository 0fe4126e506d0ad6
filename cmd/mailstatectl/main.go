// Command mailstatectl manages a mailbox database: mailboxes, messages and
// their flags, and serves metrics.
//
// Commands run against the database directly, through the same session layer
// a protocol server would use. The database can only be opened by one process
// at a time.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mailstate/mailstate/config"
	"github.com/mailstate/mailstate/content"
	"github.com/mailstate/mailstate/mlog"
	"github.com/mailstate/mailstate/store"
)

var (
	configPath string
	loglevel   string

	conf *config.Config
	cid  atomic.Int64
)

var pkglog = mlog.New("mailstatectl", nil)

var rootCmd = &cobra.Command{
	Use:           "mailstatectl",
	Short:         "Manage mailboxes and messages in a mailstate database",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flag := rootCmd.PersistentFlags()
	flag.StringVarP(&configPath, "config", "c", "mailstate.conf", "configuration file")
	flag.StringVarP(&loglevel, "loglevel", "l", "", "override default log level from config, one of: error, info, debug, trace")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

// loadConfig parses the config file and applies its log levels.
func loadConfig() error {
	c, errs := config.Load(configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			pterm.Error.Println(err)
		}
		return fmt.Errorf("%d problem(s) in config file %s", len(errs), configPath)
	}
	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			return fmt.Errorf("unknown log level %q", loglevel)
		}
		c.Log[""] = level
	}
	mlog.SetConfig(c.Log)
	conf = c
	return nil
}

// cmdContext returns a context with a new cid for logging.
func cmdContext() context.Context {
	return context.WithValue(context.Background(), mlog.CidKey, cid.Add(1))
}

// openStore opens the content store and mailbox database from the config. The
// returned close function closes both.
func openStore(ctx context.Context) (*store.Store, func(), error) {
	if err := loadConfig(); err != nil {
		return nil, nil, err
	}

	var cs content.Store
	var err error
	p := conf.DataDirPath(conf.Content.Path)
	switch conf.Content.Type {
	case "bolt":
		cs, err = content.OpenBolt(p)
	case "maildir":
		cs, err = content.OpenMaildir(p)
	default:
		err = fmt.Errorf("unknown content type %q", conf.Content.Type)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open content store: %w", err)
	}

	st, err := store.Open(ctx, conf.DataDirPath("index.db"), store.Options{
		Content:          cs,
		LockTimeout:      conf.LockTimeout,
		InitialMailboxes: conf.InitialMailboxes,
	})
	if err != nil {
		xerr := cs.Close()
		pkglog.Check(xerr, "closing content store after error")
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	closeFn := func() {
		err := st.Close()
		if err != nil && !errors.Is(err, store.ErrClosed) {
			pkglog.Errorx("closing store", err)
		}
		err = cs.Close()
		pkglog.Check(err, "closing content store")
	}
	pkglog.Debug("store opened", slog.String("path", st.Path), slog.String("content", conf.Content.Type))
	return st, closeFn, nil
}

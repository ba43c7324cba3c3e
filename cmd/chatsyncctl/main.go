// chatsyncctl is a maintenance tool for a profile's local cache. It operates
// on the cache database directly; the running engine is the only writer
// during normal operation, so mutating commands take the profile lock.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gcamora/chatsync/config"
	"github.com/gcamora/chatsync/lock"
	"github.com/gcamora/chatsync/store"
)

var (
	profileFlag string
	jsonFlag    bool
)

func main() {
	root := &cobra.Command{
		Use:           "chatsyncctl",
		Short:         "Inspect and maintain a chatsync profile cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")

	root.AddCommand(migrateCmd(), sweepCmd(), pendingCmd(), conversationsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func openDB(migrate bool) (*store.DB, func(), error) {
	profile := config.ResolveProfile(profileFlag)
	if err := config.EnsureProfileDir(profile); err != nil {
		return nil, nil, err
	}
	db, err := store.Open(config.DBPath(profile))
	if err != nil {
		return nil, nil, err
	}
	if migrate {
		if _, err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	return db, func() { _ = db.Close() }, nil
}

// withLock guards mutating commands against a concurrently running engine.
func withLock(fn func() error) error {
	profile := config.ResolveProfile(profileFlag)
	if err := config.EnsureProfileDir(profile); err != nil {
		return err
	}
	l, err := lock.Acquire(config.ProfileDir(profile))
	if err != nil {
		return err
	}
	defer func() { _ = l.Release() }()
	return fn()
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLock(func() error {
				db, closeDB, err := openDB(false)
				if err != nil {
					return err
				}
				defer closeDB()
				result, err := db.Migrate()
				if err != nil {
					return err
				}
				if jsonFlag {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
				}
				if result.Changed {
					fmt.Fprintf(cmd.OutOrStdout(), "migrated to version %d\n", result.Version)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "up to date at version %d\n", result.Version)
				}
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete cached messages older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days <= 0 {
				cfg, err := config.Load(config.ConfigPath())
				if err != nil {
					cfg = config.Default()
				}
				days = cfg.Sync.RetentionDays
			}
			if days <= 0 {
				return fmt.Errorf("retention disabled; pass --days to sweep anyway")
			}
			return withLock(func() error {
				db, closeDB, err := openDB(true)
				if err != nil {
					return err
				}
				defer closeDB()
				n, err := db.DeleteMessagesOlderThan(days)
				if err != nil {
					return err
				}
				if jsonFlag {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]int64{"deleted": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d messages older than %d days\n", n, days)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention window in days (default from config)")
	return cmd
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List messages queued for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, closeDB, err := openDB(true)
			if err != nil {
				return err
			}
			defer closeDB()
			pending, err := db.PendingMessages()
			if err != nil {
				return err
			}
			if jsonFlag {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(pending)
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "outbound queue is empty")
				return nil
			}
			for _, m := range pending {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s  %q\n",
					m.ConversationID, m.MsgID, m.Status, m.Body)
			}
			return nil
		},
	}
}

func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List cached conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, closeDB, err := openDB(true)
			if err != nil {
				return err
			}
			defer closeDB()
			convs, err := db.ListConversations(0, 0)
			if err != nil {
				return err
			}
			if jsonFlag {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(convs)
			}
			if len(convs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no cached conversations")
				return nil
			}
			for _, c := range convs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %d participants  %q\n",
					c.ID, c.Kind, len(c.Participants), c.LastMessagePreview)
			}
			return nil
		},
	}
}

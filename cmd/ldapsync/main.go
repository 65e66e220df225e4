package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isometry/ldapsync/internal/config"
	"github.com/isometry/ldapsync/internal/directory"
	"github.com/isometry/ldapsync/internal/store"
	"github.com/isometry/ldapsync/internal/sync"
	"github.com/isometry/ldapsync/internal/zkstats"
)

var (
	configPath string
	serverName string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "ldapsync",
	Short:         "Reconcile LDAP directory users and groups into the local identity store",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// app bundles the wired components for one command invocation.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	store  store.Store
	conns  *directory.ConnManager
	engine *sync.Engine
}

// newApp loads the config and wires the engine. The caller must defer
// app.Close().
func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := cfg.Logging.BuildLogger()
	if err != nil {
		return nil, err
	}

	server, err := cfg.Server(serverName)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Backend, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	dirCfg := server.Directory()
	conns := directory.NewConnManager(dirCfg, log)
	client := directory.NewClient(dirCfg, conns, log)

	engine := sync.NewEngine(client, st, sync.Options{
		Policy:                  cfg.Policy(),
		CasePolicy:              cfg.CasePolicy(),
		RefreshAttributesOnSync: cfg.Sync.RefreshAttributesOnSync,
	}, log)

	return &app{cfg: cfg, log: log, store: st, conns: conns, engine: engine}, nil
}

func (a *app) Close() {
	stats := a.conns.Stats()
	a.log.Debug("directory connection stats",
		zap.Int64("dials", stats.Dials),
		zap.Int64("dial_failures", stats.DialFails),
		zap.Duration("uptime", stats.Uptime))

	a.conns.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close store", zap.Error(err))
	}
	_ = a.log.Sync()
}

func printResult(result *sync.Result) {
	if len(result.CreatedUsers) > 0 {
		fmt.Printf("Created users:  %d\n", len(result.CreatedUsers))
	}
	if len(result.UpdatedUsers) > 0 {
		fmt.Printf("Updated users:  %d\n", len(result.UpdatedUsers))
	}
	if len(result.CreatedGroups) > 0 {
		fmt.Printf("Created groups: %d\n", len(result.CreatedGroups))
	}
	if len(result.SyncedGroups) > 0 {
		fmt.Printf("Synced groups:  %d\n", len(result.SyncedGroups))
	}
	for _, failure := range result.Failed {
		fmt.Printf("Failed: %s: %s\n", failure.Name, failure.Reason)
	}
}

var importUsersCmd = &cobra.Command{
	Use:   "import-users PATTERN",
	Short: "Import directory users matching a name pattern or DN",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		byDN, _ := cmd.Flags().GetBool("dn")
		syncGroups, _ := cmd.Flags().GetBool("sync-groups")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.engine.ImportUsers(cmd.Context(), sync.UserImportRequest{
			Pattern:    args[0],
			ByDN:       byDN,
			SyncGroups: syncGroups,
		})
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

var importGroupsCmd = &cobra.Command{
	Use:   "import-groups PATTERN",
	Short: "Import directory groups matching a name pattern or DN",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		byDN, _ := cmd.Flags().GetBool("dn")
		importMembers, _ := cmd.Flags().GetBool("import-members")
		recursive, _ := cmd.Flags().GetBool("recursive")
		syncUsers, _ := cmd.Flags().GetBool("sync-users")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.engine.ImportGroups(cmd.Context(), sync.GroupImportRequest{
			Pattern:       args[0],
			ByDN:          byDN,
			ImportMembers: importMembers,
			Recursive:     recursive,
			SyncUsers:     syncUsers,
		})
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Re-reconcile all imported users and directory-managed groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		users, err := a.engine.SyncUsers(cmd.Context())
		if err != nil {
			return err
		}
		printResult(users)

		groups, err := a.engine.SyncGroups(cmd.Context())
		if err != nil {
			return err
		}
		printResult(groups)
		return nil
	},
}

// newStatsClient wires a stats client without the directory or store.
func newStatsClient() (*zkstats.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := cfg.Logging.BuildLogger()
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.ZooKeeper.TimeoutSeconds) * time.Second
	return zkstats.NewClient(cfg.ZooKeeper.Endpoint, timeout, log), nil
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ZooKeeper server statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newStatsClient()
		if err != nil {
			return err
		}

		stats, err := client.GetStats(cmd.Context())
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(stats))
		for key := range stats {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("%s\t%v\n", key, stats[key])
		}
		return nil
	},
}

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "Show sessions connected to the ZooKeeper server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newStatsClient()
		if err != nil {
			return err
		}

		sessions, err := client.GetClients(cmd.Context())
		if err != nil {
			return err
		}

		for _, session := range sessions {
			fmt.Printf("%s:%d [%d]", session.Host, session.Port, session.InterestOps)
			keys := make([]string, 0, len(session.Properties))
			for key := range session.Properties {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Printf(" %s=%s", key, session.Properties[key])
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ldapsync.toml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVarP(&serverName, "server", "s", "", "named LDAP server to use (optional with a single server)")

	importUsersCmd.Flags().Bool("dn", false, "treat PATTERN as a distinguished name")
	importUsersCmd.Flags().Bool("sync-groups", false, "also rewrite membership among directory-managed groups")

	importGroupsCmd.Flags().Bool("dn", false, "treat PATTERN as a distinguished name")
	importGroupsCmd.Flags().Bool("import-members", false, "create member users that do not exist locally")
	importGroupsCmd.Flags().Bool("recursive", false, "expand member groups recursively")
	importGroupsCmd.Flags().Bool("sync-users", false, "refresh existing member users and recompute membership")

	rootCmd.AddCommand(importUsersCmd, importGroupsCmd, syncCmd, statsCmd, clientsCmd)
}

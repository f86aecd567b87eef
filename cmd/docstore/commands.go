package docstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shivanibhat24/docstore/internal/api"
	"github.com/shivanibhat24/docstore/internal/config"
	"github.com/shivanibhat24/docstore/internal/engine"
	"github.com/shivanibhat24/docstore/internal/notify"
	"github.com/shivanibhat24/docstore/pkg/revision"
)

var (
	gcMaxAge      time.Duration
	journalBranch bool
	journalLimit  int
)

const shutdownTimeout = 10 * time.Second

func engineOptions(n *node, notifier notify.Notifier) engine.Options {
	return engine.Options{
		ClusterID:     n.cfg.ClusterID,
		AsyncDelay:    n.cfg.Sync.AsyncDelay,
		LeaseDuration: n.cfg.Sync.LeaseDuration,
		JournalBatch:  n.cfg.Sync.JournalBatch,
		Notifier:      notifier,
		Logger:        n.logger,
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a cluster node with background sync, journal GC and the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		var notifier notify.Notifier = notify.Nop{}
		if n.cfg.Redis.Addr != "" {
			rn, err := notify.NewRedisNotifier(ctx, n.cfg.Redis.Addr, n.cfg.Redis.Channel, n.logger)
			if err != nil {
				return err
			}
			defer rn.Close()
			notifier = rn
		}

		e, err := engine.Open(ctx, n.store, engineOptions(n, notifier))
		if err != nil {
			return err
		}
		if err := e.Start(ctx); err != nil {
			return err
		}

		gc := n.garbageCollector()
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			gc.Run(ctx, n.cfg.GC.Interval, n.cfg.GC.MaxAge)
		}()

		srv := api.NewServer(e, gc, n.logger)
		serveErr := make(chan error, 1)
		srv.Start(n.cfg.HTTP.Addr, func(err error) { serveErr <- err })

		select {
		case <-ctx.Done():
			n.logger.Info("shutting down")
		case err = <-serveErr:
			n.logger.Error("admin server failed", zap.Error(err))
			stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		wg.Wait()
		return errors.Join(err, srv.Shutdown(shutdownCtx), e.Dispose(shutdownCtx))
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Join the cluster, run one background cycle and leave",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		e, err := engine.Open(ctx, n.store, engineOptions(n, notify.Nop{}))
		if err != nil {
			return err
		}
		cycleErr := e.RunBackgroundOperations(ctx)
		if err := errors.Join(cycleErr, e.Dispose(ctx)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cluster node %d synced, head %s\n", e.ClusterID(), e.HeadRevision())
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover <clusterID>",
	Short: "Repair the last revisions of a cluster node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clusterID, err := strconv.Atoi(args[0])
		if err != nil || clusterID <= 0 {
			return fmt.Errorf("invalid cluster id %q", args[0])
		}

		ctx := cmd.Context()
		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		recovered, err := n.agent().RecoverCluster(ctx, clusterID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recovered %d documents of cluster node %d\n", recovered, clusterID)
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove journal entries older than a maximum age",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		maxAge := n.cfg.GC.MaxAge
		if cmd.Flags().Changed("max-age") {
			maxAge = gcMaxAge
		}
		removed, err := n.garbageCollector().GC(ctx, maxAge)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d journal entries older than %s\n", removed, maxAge)
		return nil
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the journal",
}

var journalLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the journal entries of the cluster node given by --cluster-id",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		if n.cfg.ClusterID <= 0 {
			return fmt.Errorf("--cluster-id is required")
		}
		to := revision.New(time.Now().Add(time.Hour).UnixMilli(), 0, n.cfg.ClusterID)
		entries, err := n.journal.Query(ctx, n.cfg.ClusterID, journalBranch, revision.Revision{}, to, journalLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, entry := range entries {
			fmt.Fprintf(out, "%s  %s  %s", entry.ID, entry.Revision, entry.Changes)
			if len(entry.BranchCommits) > 0 {
				fmt.Fprintf(out, "  branches=%v", entry.BranchCommits)
			}
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "%d entries\n", len(entries))
		return nil
	},
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect cluster node leases",
}

var clusterLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered cluster nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		nodes, err := n.registry.List(ctx)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		return enc.Encode(nodes)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	gcCmd.Flags().DurationVar(&gcMaxAge, "max-age", 24*time.Hour, "remove entries older than this")
	journalLsCmd.Flags().BoolVar(&journalBranch, "branch", false, "list branch entries instead of trunk entries")
	journalLsCmd.Flags().IntVar(&journalLimit, "limit", 0, "maximum number of entries, 0 lists all")

	journalCmd.AddCommand(journalLsCmd)
	clusterCmd.AddCommand(clusterLsCmd)
}

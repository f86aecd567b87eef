package docstore

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/shivanibhat24/docstore/internal/cluster"
	"github.com/shivanibhat24/docstore/internal/config"
	"github.com/shivanibhat24/docstore/internal/journal"
	"github.com/shivanibhat24/docstore/internal/lastrev"
	"github.com/shivanibhat24/docstore/internal/logging"
	"github.com/shivanibhat24/docstore/internal/store"
	"github.com/shivanibhat24/docstore/pkg/revision"
)

var (
	cfgFile string
	initErr error
)

var rootCmd = &cobra.Command{
	Use:   "docstore",
	Short: "Clustered document store node",
	Long: `docstore runs a cluster node of a document store shared by several
processes. Nodes journal their changes, pick up the journals of the other
nodes and repair the last revisions of nodes that crashed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initErr
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default .docstore.yaml in . or $HOME)")
	flags.Int("cluster-id", 0, "cluster id to register as, 0 allocates one")
	flags.String("backend", "bolt", "backend type: memory, bolt, sqlite or postgres")
	flags.String("backend-path", "docstore.db", "database file for bolt and sqlite")
	flags.String("dsn", "", "postgres connection string")
	flags.String("log-level", "info", "log level")

	for key, flag := range map[string]string{
		"cluster_id":   "cluster-id",
		"backend.type": "backend",
		"backend.path": "backend-path",
		"backend.dsn":  "dsn",
		"log.level":    "log-level",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(configCmd)
}

func initConfig() {
	initErr = config.Init(viper.GetViper(), cfgFile)
}

// node bundles what the one-shot commands need
type node struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    store.DocumentStore
	registry *cluster.Registry
	journal  *journal.Journal
}

func openNode(ctx context.Context) (*node, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	s, err := store.Open(ctx, store.Options{Type: cfg.Backend.Type, Path: cfg.Backend.Path, DSN: cfg.Backend.DSN})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Backend.Type, err)
	}
	return &node{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		registry: cluster.NewRegistry(s, revision.SystemClock{}, cfg.Sync.LeaseDuration, logger),
		journal:  journal.New(s, logger),
	}, nil
}

func (n *node) agent() *lastrev.Agent {
	return lastrev.NewAgent(n.store, n.journal, n.registry, n.logger)
}

func (n *node) garbageCollector() *journal.GarbageCollector {
	gc := journal.NewGarbageCollector(n.store, n.registry, revision.SystemClock{}, n.logger)
	gc.BatchSize = n.cfg.GC.BatchSize
	return gc
}

func (n *node) Close() {
	if err := n.store.Close(); err != nil {
		n.logger.Warn("failed to close backend", zap.Error(err))
	}
	_ = n.logger.Sync()
}

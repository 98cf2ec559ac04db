package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/syssam/shardql"
	"github.com/syssam/shardql/config"
	"github.com/syssam/shardql/dialect/sql"
)

// Version is set at build time.
var Version = "dev"

type (
	configKey struct{}
	statsKey  struct{}
)

// NewRootCmd returns the root command.
func NewRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:   "shardql",
		Short: "Run SQL against sharded relational databases",
		Long: `shardql runs statements through the shardql session: named parameters,
dialect placeholders and the sharding rules of the configuration.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "shards" {
				return nil
			}
			cfg, err := config.Load(cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if st, ok := cmd.Context().Value(statsKey{}).(*sql.QueryStats); ok {
				_, err := fmt.Fprintln(cmd.ErrOrStderr(), "stats:", st.Stats())
				return err
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./shardql.yaml)")
	root.PersistentFlags().StringP("output", "o", "table", "output format (table|csv|markdown)")
	config.Flags(root.PersistentFlags())

	root.AddCommand(
		newPingCmd(),
		newQueryCmd(),
		newExecCmd(),
		newTablesCmd(),
		newShardsCmd(),
	)
	return root
}

// session opens the session of the command configuration.
func session(cmd *cobra.Command) (*shardql.Session, *slog.Logger, error) {
	cfg, ok := cmd.Context().Value(configKey{}).(*config.Config)
	if !ok {
		return nil, nil, fmt.Errorf("configuration not loaded")
	}
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Level()}))
	s, err := cfg.Open(log)
	if err != nil {
		return nil, nil, err
	}
	if st, ok := sql.StatsOf(s.Driver()); ok && cfg.Stats {
		cmd.SetContext(context.WithValue(cmd.Context(), statsKey{}, st))
	}
	return s, log, nil
}

// params parses the name=value pairs of the --param flag.
func params(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, want name=value", p)
		}
		m[strings.TrimPrefix(name, "@")] = value
	}
	return m, nil
}

func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}

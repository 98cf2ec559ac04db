package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/syssam/shardql"
	"github.com/syssam/shardql/command"
	"github.com/syssam/shardql/dialect/sql"
	"github.com/syssam/shardql/sharding"
)

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the database connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s, _, err := session(cmd)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, s.Close()) }()
			start := time.Now()
			if _, err := shardql.Raw[int64](cmd.Context(), s, "SELECT 1", nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (%s)\n", s.Provider().Name, time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}

func newQueryCmd() *cobra.Command {
	var pairs []string
	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a query and print its rows",
		Example: `  shardql query "SELECT * FROM orders WHERE buyer_id = @buyer" --param buyer=7
  shardql query "SELECT name FROM buyers" -o csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ps, err := params(pairs)
			if err != nil {
				return err
			}
			s, log, err := session(cmd)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, s.Close()) }()
			text, qargs, err := command.Raw(s.Provider(), args[0], ps)
			if err != nil {
				return err
			}
			log.DebugContext(cmd.Context(), "query", "sql", text, "args", len(qargs))
			rows := &sql.Rows{}
			if err := s.Driver().Query(s.Context(cmd.Context()), text, qargs, rows); err != nil {
				return err
			}
			defer func() { err = errors.Join(err, rows.Close()) }()
			return render(cmd.OutOrStdout(), rows, outputFormat(cmd))
		},
	}
	cmd.Flags().StringArrayVarP(&pairs, "param", "p", nil, "named parameter as name=value (repeatable)")
	return cmd
}

func newExecCmd() *cobra.Command {
	var pairs []string
	cmd := &cobra.Command{
		Use:   "exec <sql>",
		Short: "Run a statement returning no rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ps, err := params(pairs)
			if err != nil {
				return err
			}
			s, _, err := session(cmd)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, s.Close()) }()
			n, err := s.ExecRaw(cmd.Context(), args[0], ps)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d rows affected\n", n)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&pairs, "param", "p", nil, "named parameter as name=value (repeatable)")
	return cmd
}

func newTablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables [pattern]",
		Short: "List the tables matching a LIKE pattern",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			pattern := "%"
			if len(args) == 1 {
				pattern = args[0]
			}
			s, _, err := session(cmd)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, s.Close()) }()
			rows := &sql.Rows{}
			if err := s.Driver().Query(s.Context(cmd.Context()), s.Provider().CatalogQuery, []any{pattern}, rows); err != nil {
				return err
			}
			defer func() { err = errors.Join(err, rows.Close()) }()
			return render(cmd.OutOrStdout(), rows, outputFormat(cmd))
		},
	}
}

func newShardsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shards <file>",
		Short: "Validate a sharding rule file and print its rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := sharding.ReadFile(args[0])
			if err != nil {
				return err
			}
			return renderRules(cmd.OutOrStdout(), f, outputFormat(cmd))
		},
	}
}

package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/queue"
	"github.com/sells-group/lead-ingest/internal/status"
	"github.com/sells-group/lead-ingest/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		if ps, ok := st.(*store.PostgresStore); ok {
			if err := status.NewPostgres(ps.Pool(), cfg.Status.TTL()).Migrate(ctx); err != nil {
				return eris.Wrap(err, "migrate status")
			}
			if err := queue.NewPostgres(ps.Pool(), queue.Options{}).Migrate(ctx); err != nil {
				return eris.Wrap(err, "migrate queue")
			}
		}

		zap.L().Info("migrations complete", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

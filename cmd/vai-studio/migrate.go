package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/internal/config"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/store/pgstore"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/store/sqlitestore"
)

func newMigrateCmd(g *globalOptions, s streams) *cobra.Command {
	var storeKind, dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply artifact store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := config.FromEnv()
			kind := env.Store
			if cmd.Flags().Changed("store") {
				kind = config.StoreKind(strings.ToLower(storeKind))
			}
			logger := newLogger(s.err, firstNonEmpty(g.logLevel, env.LogLevel), g.logJSON || env.LogJSON)
			ctx := cmd.Context()

			switch kind {
			case config.StoreSQLite:
				path := firstNonEmpty(dsn, env.SQLitePath)
				st, err := sqlitestore.Open(ctx, path)
				if err != nil {
					return err
				}
				defer st.Close()
				logger.Info("migrations applied", "store", kind, "path", path)
			case config.StorePostgres:
				url := firstNonEmpty(dsn, env.PostgresDSN)
				if url == "" {
					return fmt.Errorf("--dsn or VAI_STUDIO_POSTGRES_DSN is required")
				}
				st, err := pgstore.Open(ctx, url, true)
				if err != nil {
					return err
				}
				st.Close()
				logger.Info("migrations applied", "store", kind)
			default:
				return fmt.Errorf("store %q has no migrations; use sqlite or postgres", kind)
			}
			fmt.Fprintln(s.out, "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&storeKind, "store", "", "sqlite|postgres")
	cmd.Flags().StringVar(&dsn, "dsn", "", "sqlite path or postgres DSN")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

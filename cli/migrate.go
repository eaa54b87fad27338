package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zlnvch/drawcast/config"
	"github.com/zlnvch/drawcast/mq/sqsmq"
	"github.com/zlnvch/drawcast/store/dynamo"
	"github.com/zlnvch/drawcast/store/sqlite"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	StoreBackend string
	DevMode      bool
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the storage schema",
		Long: `Create what the configured backends need before the first serve:
the SQLite schema, or the DynamoDB table and (when enabled) the SQS queue.
Existing resources are left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("store") {
				cfg.Store.Backend = opts.StoreBackend
			}
			if cmd.Flags().Changed("dev") {
				cfg.DevMode = opts.DevMode
			}
			return runMigrate(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&opts.StoreBackend, "store", "", "step store (sqlite|dynamodb)")
	cmd.Flags().BoolVar(&opts.DevMode, "dev", false, "use local AWS endpoints")

	return cmd
}

func runMigrate(cmd *cobra.Command, cfg *config.Config) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	switch cfg.Store.Backend {
	case config.StoreSqlite:
		sqliteStore, err := sqlite.NewSqliteDrawingStore(ctx, cfg.Store.SqlitePath)
		if err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
		defer sqliteStore.Close()
		fmt.Fprintf(out, "sqlite schema ready at %s\n", cfg.Store.SqlitePath)

	case config.StoreDynamoDB:
		created, err := dynamo.CreateTable(ctx, cfg.DevMode, cfg.Store.DynamoDBEndpoint, cfg.Store.DynamoDBTable)
		if err != nil {
			return fmt.Errorf("migrate dynamodb: %w", err)
		}
		if created {
			fmt.Fprintf(out, "created dynamodb table %s\n", cfg.Store.DynamoDBTable)
		} else {
			fmt.Fprintf(out, "dynamodb table %s already exists\n", cfg.Store.DynamoDBTable)
		}

	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Queue.Backend == config.QueueSQS {
		queueURL, err := sqsmq.CreateQueue(ctx, cfg.DevMode, cfg.Queue.SQSEndpoint, cfg.Queue.SQSQueue)
		if err != nil {
			return fmt.Errorf("migrate sqs: %w", err)
		}
		fmt.Fprintf(out, "sqs queue ready at %s\n", queueURL)
	}

	return nil
}

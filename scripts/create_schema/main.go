// Command create_schema creates the Cassandra keyspace and messages table and
// the SQL tables for the user replica and channels. Every statement is
// idempotent.
package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/ndibernardo/chat-service/pkg/channel"
	"github.com/ndibernardo/chat-service/pkg/config"
	"github.com/ndibernardo/chat-service/pkg/db"
	"github.com/ndibernardo/chat-service/pkg/model"
	"github.com/ndibernardo/chat-service/pkg/replica"
)

func main() {
	var (
		configPath  string
		replication int
		seed        bool
	)
	cmd := &cobra.Command{
		Use:   "create_schema",
		Short: "Create chat storage schemas",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			return createSchema(ctx, cfg, replication, seed)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (YAML or TOML)")
	cmd.Flags().IntVar(&replication, "replication", 1, "keyspace replication factor")
	cmd.Flags().BoolVar(&seed, "seed", true, "create the public \"general\" channel")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func createSchema(ctx context.Context, cfg config.Config, replication int, seed bool) error {
	if err := db.CreateSchema(ctx, cfg.Cassandra, replication); err != nil {
		return err
	}
	log.Printf("Keyspace %s and messages table ready", cfg.Cassandra.Keyspace)

	sqlDB, err := db.OpenSQL(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := replica.NewSQLStore(sqlDB).Migrate(ctx); err != nil {
		return err
	}
	channels := channel.NewSQLStore(sqlDB)
	if err := channels.Migrate(ctx); err != nil {
		return err
	}
	log.Printf("SQL tables ready (%s)", cfg.Database.Driver)

	if !seed {
		return nil
	}
	_, err = channels.Create(ctx, model.Channel{
		ID:          "general",
		Name:        "general",
		Description: "Everyone",
		Kind:        model.ChannelPublic,
		CreatedBy:   "system",
	})
	if errors.Is(err, model.ErrConflict) {
		log.Println("Channel general already exists")
		return nil
	}
	if err != nil {
		return err
	}
	log.Println("Channel general created")
	return nil
}

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/formaplus/automatisations/internal/auth"
	"github.com/formaplus/automatisations/internal/config"
	"github.com/formaplus/automatisations/internal/definition"
	"github.com/formaplus/automatisations/internal/repository"
	"github.com/formaplus/automatisations/pkg/automatisations"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "automatisations",
		Short:         "Workflow automation engine for training organisations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadFile(configFile); err != nil {
				return fmt.Errorf("load config %s: %w", configFile, err)
			}
			automatisations.SetupLogger()
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "settings file (YAML, JSON or TOML); environment variables win")

	root.AddCommand(serveCmd(), migrateCmd(), validateCmd(), importCmd(), apiKeyCmd())

	if err := root.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, the event sources and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := automatisations.Setup()
			if err != nil {
				return err
			}
			defer eng.Close()
			if err := eng.Start(ctx, nil); err != nil {
				slog.Error("Engine exited with error", "error", err)
				return err
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := automatisations.OpenDatabase()
			if err != nil {
				return err
			}
			defer db.Close()
			color.Green("Database is up to date (%s)", config.GetSystemSettingString(config.DATABASE_TYPE))
			return nil
		},
	}
}

// validateCmd checks definition files offline, without a database.
func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check YAML workflow definitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				defs, err := definition.LoadFile(path)
				if err != nil {
					color.Red("✗ %v", err)
					failed++
					continue
				}
				for i := range defs {
					if err := definition.Validate(&defs[i]); err != nil {
						failed++
						color.Red("✗ %s: %s", path, defs[i].Name)
						var verr *definition.ValidationError
						if errors.As(err, &verr) {
							for _, p := range verr.Problems {
								color.Yellow("    %s", p)
							}
						}
						continue
					}
					color.Green("✓ %s: %s (%d steps)", path, defs[i].Name, len(defs[i].Steps))
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d invalid definition(s)", failed)
			}
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Create the workflow definitions of YAML files for a tenant",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := automatisations.Setup()
			if err != nil {
				return err
			}
			defer eng.Close()
			ctx := cmd.Context()
			for _, path := range args {
				defs, err := definition.LoadFile(path)
				if err != nil {
					return err
				}
				for i := range defs {
					if err := eng.Definitions.Create(ctx, tenant, &defs[i]); err != nil {
						return fmt.Errorf("%s: %s: %w", path, defs[i].Name, err)
					}
					color.Green("Imported %q as workflow %d", defs[i].Name, defs[i].ID)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant owning the definitions")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	var tenant, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a tenant and print its token once",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := automatisations.OpenDatabase()
			if err != nil {
				return err
			}
			defer db.Close()
			token, key, err := auth.NewApiKey(tenant, name, time.Now())
			if err != nil {
				return err
			}
			if _, err := repository.NewApiKeyRepository(db).Save(cmd.Context(), key); err != nil {
				return fmt.Errorf("save api key: %w", err)
			}
			color.Green("Created key %s for tenant %s", key.KeyID, tenant)
			color.Yellow("Token (shown once): %s", token)
			return nil
		},
	}
	create.Flags().StringVar(&tenant, "tenant", "", "tenant the key is scoped to")
	create.Flags().StringVar(&name, "name", "default", "label for the key")
	_ = create.MarkFlagRequired("tenant")
	cmd.AddCommand(create)
	return cmd
}

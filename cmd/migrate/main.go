package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/better-wallet/share-custody/internal/storage"
)

var flagDSN = &cli.StringFlag{
	Name:     "dsn",
	Usage:    "PostgreSQL connection string",
	EnvVars:  []string{"POSTGRES_DSN"},
	Required: true,
}

var flagDir = &cli.StringFlag{
	Name:  "dir",
	Value: "migrations",
	Usage: "Directory holding the *.up.sql and *.down.sql files",
}

var flagSteps = &cli.IntFlag{
	Name:  "steps",
	Value: 0,
	Usage: "Number of migrations to run (0 = all)",
}

func main() {
	app := &cli.App{
		Name:           "migrate",
		Usage:          "apply share_records schema migrations",
		DefaultCommand: "up",
		Flags:          []cli.Flag{flagDSN, flagDir},
		Commands: []*cli.Command{
			{
				Name:   "up",
				Usage:  "apply pending migrations",
				Flags:  []cli.Flag{flagSteps},
				Action: run(storage.DirectionUp),
			},
			{
				Name:   "down",
				Usage:  "revert applied migrations, newest first",
				Flags:  []cli.Flag{flagSteps},
				Action: run(storage.DirectionDown),
			},
			{
				Name:   "status",
				Usage:  "list migrations and whether they are applied",
				Action: status,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(direction string) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		migrations, err := storage.LoadMigrations(migrationsDir(cCtx), direction)
		if err != nil {
			return err
		}

		store, err := storage.New(cCtx.Context, cCtx.String(flagDSN.Name))
		if err != nil {
			return err
		}
		defer store.Close()

		migrator := storage.NewMigrator(store)
		applied, err := migrator.Applied(cCtx.Context)
		if err != nil {
			return err
		}

		plan := storage.PlanMigrations(migrations, applied, direction, cCtx.Int(flagSteps.Name))
		if len(plan) == 0 {
			fmt.Println("No migrations to apply")
			return nil
		}

		for _, m := range plan {
			fmt.Printf("Running migration: %s\n", filepath.Base(m.Path))
			if err := migrator.Apply(cCtx.Context, m, direction); err != nil {
				return err
			}
			fmt.Printf("Applied migration: %s\n", m.Version)
		}

		fmt.Printf("Applied %d migration(s)\n", len(plan))
		return nil
	}
}

func status(cCtx *cli.Context) error {
	migrations, err := storage.LoadMigrations(migrationsDir(cCtx), storage.DirectionUp)
	if err != nil {
		return err
	}

	store, err := storage.New(cCtx.Context, cCtx.String(flagDSN.Name))
	if err != nil {
		return err
	}
	defer store.Close()

	applied, err := storage.NewMigrator(store).Applied(cCtx.Context)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		state := "pending"
		if applied[m.Version] {
			state = "applied"
		}
		fmt.Printf("%-40s %s\n", m.Version, state)
	}
	return nil
}

// migrationsDir falls back to a migrations directory next to the executable
func migrationsDir(cCtx *cli.Context) string {
	dir := cCtx.String(flagDir.Name)
	if _, err := os.Stat(dir); os.IsNotExist(err) && !cCtx.IsSet(flagDir.Name) {
		execPath, _ := os.Executable()
		return filepath.Join(filepath.Dir(execPath), "migrations")
	}
	return dir
}

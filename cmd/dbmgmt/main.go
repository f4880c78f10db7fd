// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Command dbmgmt applies schema migrations to the audit log's Spanner
// database and runs ad hoc SQL against it, adapted from syz-cluster's
// db-mgmt tool.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"cloud.google.com/go/spanner"
	"github.com/golang-migrate/migrate/v4"
	migrate_spanner "github.com/golang-migrate/migrate/v4/database/spanner"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"google.golang.org/api/iterator"

	"github.com/trailofbits/buttercup-go/pkg/app"
)

func migrateSchema(uri, migrationsDir string) error {
	driver, err := (&migrate_spanner.Spanner{}).Open("spanner://" + uri + "?x-clean-statements=true")
	if err != nil {
		return fmt.Errorf("dbmgmt: open spanner driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "spanner", driver)
	if err != nil {
		return fmt.Errorf("dbmgmt: new migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("dbmgmt: migrate up: %w", err)
	}
	return nil
}

func runSQL(ctx context.Context, uri string) error {
	client, err := spanner.NewClient(ctx, uri)
	if err != nil {
		return fmt.Errorf("dbmgmt: new spanner client: %w", err)
	}
	defer client.Close()

	command, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("dbmgmt: read stdin: %w", err)
	}
	iter := client.Single().Query(ctx, spanner.Statement{SQL: string(command)})
	defer iter.Stop()

	for {
		row, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dbmgmt: query: %w", err)
		}
		cols := row.ColumnNames()
		fmt.Println(cols)
		for i := range cols {
			fmt.Printf("\t%s", row.ColumnValue(i))
		}
		fmt.Println()
	}
}

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig("")
	if err != nil {
		log.Fatalf("dbmgmt: load config: %v", err)
	}
	if cfg.SpannerDatabase == "" {
		log.Fatal("dbmgmt: BUTTERCUP_SPANNER_DATABASE must be set")
	}

	if len(os.Args) < 2 {
		log.Fatal("dbmgmt: usage: dbmgmt <migrate <path-to-migrations>|run>")
	}
	switch os.Args[1] {
	case "migrate":
		if len(os.Args) != 3 {
			log.Fatal("dbmgmt: migrate <path-to-migrations-folder>")
		}
		err = migrateSchema(cfg.SpannerDatabase, os.Args[2])
	case "run":
		err = runSQL(ctx, cfg.SpannerDatabase)
	default:
		log.Fatalf("dbmgmt: unknown command: %s", os.Args[1])
	}
	if err != nil {
		log.Fatal(err)
	}
	log.Print("dbmgmt: done")
}

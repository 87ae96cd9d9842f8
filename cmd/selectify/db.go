package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/wolfeidau/selectify/store/metadb"
)

// DBCmd groups metadata database maintenance commands. The server must not
// be running against the same file.
type DBCmd struct {
	Stats   DBStatsCmd   `cmd:"" help:"Print database statistics as JSON."`
	Compact DBCompactCmd `cmd:"" help:"Write a compacted copy of the database."`
	Verify  DBVerifyCmd  `cmd:"" help:"Check expiry indexes against stored records."`
	Inspect DBInspectCmd `cmd:"" help:"Show how one record is stored, including expired ones."`
	Export  DBExportCmd  `cmd:"" help:"Dump the live records of a collection to a JSON file."`
}

func openDB(g *Globals, logger *slog.Logger) (*metadb.BoltDB, error) {
	db := metadb.NewBoltDB(metadb.WithLogger(logger))
	if err := db.Open(g.DBPath); err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}
	return db, nil
}

type DBStatsCmd struct{}

func (c *DBStatsCmd) Run(g *Globals, logger *slog.Logger) error {
	db, err := openDB(g, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats(context.Background())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

type DBCompactCmd struct {
	Dest string `arg:"" help:"Destination path for the compacted database." type:"path"`
}

func (c *DBCompactCmd) Run(g *Globals, logger *slog.Logger) error {
	db, err := openDB(g, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.CompactDB(context.Background(), c.Dest); err != nil {
		return err
	}
	logger.Info("database compacted", "source", g.DBPath, "dest", c.Dest)
	return nil
}

type DBVerifyCmd struct {
	Rebuild bool `help:"Rebuild the expiry indexes when discrepancies are found."`
}

func (c *DBVerifyCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()

	db, err := openDB(g, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	discrepancies, err := db.VerifyIndexes(ctx)
	if err != nil {
		return err
	}
	for _, d := range discrepancies {
		logger.Warn("expiry index mismatch",
			"collection", d.Collection,
			"id", d.ID,
			"stored", d.Stored,
			"indexed", d.Indexed,
		)
	}
	if len(discrepancies) == 0 {
		logger.Info("expiry indexes consistent")
		return nil
	}
	if !c.Rebuild {
		return fmt.Errorf("%d index discrepancies found", len(discrepancies))
	}

	n, err := db.RebuildIndexes(ctx)
	if err != nil {
		return err
	}
	logger.Info("expiry indexes rebuilt", "records", n)
	return nil
}

type DBInspectCmd struct {
	Collection string `arg:"" help:"Collection name (photo, photoLink)."`
	ID         string `arg:"" help:"Record ID."`
}

func (c *DBInspectCmd) Run(g *Globals, logger *slog.Logger) error {
	db, err := openDB(g, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := db.InspectRecord(context.Background(), c.Collection, c.ID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

type DBExportCmd struct {
	Collection string `arg:"" help:"Collection name (photo, photoLink)."`
	Dest       string `arg:"" help:"Output JSON file." type:"path"`
}

func (c *DBExportCmd) Run(g *Globals, logger *slog.Logger) error {
	db, err := openDB(g, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.ExportRecordsToJSON(context.Background(), c.Collection, c.Dest)
}

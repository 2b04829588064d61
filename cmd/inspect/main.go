package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/astromechza/colab/pkg/localcache"
	"github.com/astromechza/colab/pkg/persist"
	"github.com/astromechza/colab/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	cacheVar := flag.Bool("cache", false, "read a client cache file instead of the server database")
	flag.Parse()
	if flag.NArg() < 1 || flag.NArg() > 2 {
		return fmt.Errorf("expected positional arguments: the file to read and optionally a document id")
	}
	path := flag.Arg(0)
	id := flag.Arg(1)

	if *cacheVar {
		return inspectCache(path, id)
	}
	return inspectDatabase(context.Background(), path, id)
}

func inspectDatabase(ctx context.Context, path, id string) error {
	db, err := persist.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if id == "" {
		ids, err := db.List(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}

	saved, err := db.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", id, err)
	}
	doc, err := store.Load(saved.Content)
	if err != nil {
		return err
	}
	slog.Info("loaded doc", "id", id, "flavor", doc.Flavor(), "savedAt", saved.SavedAt)
	if doc.Flavor() == store.FlavorRecords {
		for i, record := range doc.Records() {
			slog.Info("record", "i", fmt.Sprintf("%4d", i), "id", record.ID, "title", record.Title)
		}
		return nil
	}
	return printJSON(doc.Scene())
}

func inspectCache(path, id string) error {
	cache, err := localcache.Open(path)
	if err != nil {
		return err
	}
	defer cache.Close()

	if id == "" {
		ids, err := cache.List()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}

	entry, err := cache.Entry(id)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", id, err)
	}
	slog.Info("loaded cached doc", "id", id, "updatedAt", entry.UpdatedAt)
	return printJSON(entry.Document)
}

func printJSON(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

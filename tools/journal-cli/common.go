package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/bun31/nimbus-eth1/backend/kvdb"
	"github.com/bun31/nimbus-eth1/backend/kvdb/ldb"
	"github.com/bun31/nimbus-eth1/backend/kvdb/sqlite"
	"github.com/bun31/nimbus-eth1/database/layered"
)

var (
	dbDirectoryFlag = cli.StringFlag{
		Name:     "dir",
		Usage:    "the targeted database directory",
		Required: true,
	}
	backendFlag = cli.StringFlag{
		Name:  "backend",
		Usage: "the key/value engine of the directory, 'ldb' or 'sqlite'",
		Value: "ldb",
	}
	layoutFlag = cli.StringFlag{
		Name:  "layout",
		Usage: "the journal tier layout as 'capacity:merge,...', e.g. '128:32,64:16,64'",
	}
)

// open opens the layered database in a directory using the backend and
// journal layout selected by the command line flags.
func open(ctx *cli.Context) (*layered.Database, error) {
	var backend kvdb.Database
	var err error
	switch name := ctx.String(backendFlag.Name); name {
	case "ldb":
		backend, err = ldb.Open(ctx.String(dbDirectoryFlag.Name), nil)
	case "sqlite":
		backend, err = sqlite.Open(ctx.String(dbDirectoryFlag.Name))
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	if err != nil {
		return nil, err
	}
	layout, err := parseLayout(ctx.String(layoutFlag.Name))
	if err != nil {
		backend.Close()
		return nil, err
	}
	db, err := layered.Open(backend, layout)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return db, nil
}

// parseLayout turns a 'capacity:merge,...' list into a journal layout.
// The merge factor may be omitted for the last tier. An empty input
// yields the default layout.
func parseLayout(spec string) (layered.JournalLayout, error) {
	if spec == "" {
		return layered.DefaultJournalLayout, nil
	}
	layout := layered.JournalLayout{}
	for _, part := range strings.Split(spec, ",") {
		capacityPart, mergePart, _ := strings.Cut(part, ":")
		capacity, err := strconv.Atoi(strings.TrimSpace(capacityPart))
		if err != nil {
			return nil, fmt.Errorf("invalid tier capacity %q: %w", capacityPart, err)
		}
		merge := 0
		if mergePart != "" {
			if merge, err = strconv.Atoi(strings.TrimSpace(mergePart)); err != nil {
				return nil, fmt.Errorf("invalid merge factor %q: %w", mergePart, err)
			}
		}
		layout = append(layout, layered.TierConfig{Capacity: capacity, MergeFactor: merge})
	}
	return layout, nil
}

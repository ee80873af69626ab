package main

import (
	"fmt"
	"log"

	"github.com/urfave/cli/v2"
)

var (
	countFlag = cli.IntFlag{
		Name:     "count",
		Usage:    "the number of oldest journal slots to evict",
		Required: true,
	}
	discardFlag = cli.BoolFlag{
		Name:  "discard",
		Usage: "drop the evicted history instead of re-inserting its composite",
	}
)

var evictCommand = cli.Command{
	Action: evict,
	Name:   "evict",
	Usage:  "compacts the oldest journal slots into a single coarse filter",
	Flags: []cli.Flag{
		&dbDirectoryFlag,
		&backendFlag,
		&layoutFlag,
		&countFlag,
		&discardFlag,
	},
}

func evict(ctx *cli.Context) (err error) {
	dir := ctx.String(dbDirectoryFlag.Name)
	log.Printf("Opening database in %v ...", dir)
	db, err := open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		log.Printf("Closing database in %v ...", dir)
		if closeError := db.Close(); closeError != nil {
			if err == nil {
				err = closeError
			} else {
				log.Printf("Failure closing DB: %v", closeError)
			}
		}
	}()

	count := ctx.Int(countFlag.Name)
	log.Printf("Evicting the %d oldest journal slots ...", count)
	composite, err := db.EvictOldest(count)
	if err != nil {
		return err
	}
	fmt.Printf("Evicted filters [%d,%d] with %d entries, %x -> %x\n",
		composite.First(), composite.ID(), composite.Len(), composite.Source(), composite.Target())

	if ctx.Bool(discardFlag.Name) {
		log.Printf("Discarding the evicted history ...")
		return nil
	}

	lastTier := len(db.Journal().Layout()) - 1
	log.Printf("Re-inserting the composite into tier %d ...", lastTier)
	return db.Reinsert(lastTier, composite)
}

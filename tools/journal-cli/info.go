package main

import (
	"fmt"
	"log"

	"github.com/urfave/cli/v2"
)

var getInfoCommand = cli.Command{
	Action: getInfo,
	Name:   "info",
	Usage:  "prints summary information about a layered DB directory",
	Flags: []cli.Flag{
		&dbDirectoryFlag,
		&backendFlag,
		&layoutFlag,
	},
}

func getInfo(ctx *cli.Context) (err error) {
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

	fmt.Printf("State root: %x\n", db.Root())

	journal := db.Journal()
	fmt.Printf("Journaled filters: %d\n", journal.Length())
	for tier, config := range journal.Layout() {
		fmt.Printf("  tier %d: %d of %d slots used, merge factor %d\n",
			tier, journal.Occupancy(tier), config.Capacity, config.MergeFactor)
	}
	for i := 0; i < journal.Length(); i++ {
		qid, err := journal.Slot(i)
		if err != nil {
			return err
		}
		filter, err := journal.Filter(qid)
		if err != nil {
			return err
		}
		fmt.Printf("  slot %v: %d entries, %x -> %x\n", qid, filter.Len(), filter.Source(), filter.Target())
	}

	fmt.Printf("Memory footprint:\n%v", db.GetMemoryFootprint())
	return nil
}

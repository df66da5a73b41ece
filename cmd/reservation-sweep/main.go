package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/models"
)

// One-shot sweep for ops use: releases every reservation past its TTL and
// prints the count. The server runs the same sweep on a timer; this exists
// for manual recovery when the server-side sweeper was down.
func main() {
	asOf := flag.String("as-of", "", "Optional: treat this instant (RFC3339) as now. Defaults to current time.")
	flag.Parse()

	now := time.Now().UTC()
	if *asOf != "" {
		parsed, err := time.Parse(time.RFC3339, *asOf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -as-of value %q: %v\n", *asOf, err)
			os.Exit(1)
		}
		now = parsed.UTC()
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	released, err := models.ReleaseExpiredReservations(ctx, now)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed after releasing %d reservations: %v\n", released, err)
		os.Exit(1)
	}
	fmt.Printf("released %d expired reservations (as of %s)\n", released, now.Format(time.RFC3339))
}

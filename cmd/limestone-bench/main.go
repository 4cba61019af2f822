// Command limestone-bench is a minimal demo/benchmark driver over the
// Datastore facade: it writes a configurable number of sessions across a
// configurable number of channels, waits for everything to become
// durable, then reports write throughput and the resulting snapshot
// size. It is not part of the engine - an embedding application wires
// its own driver the same way.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/limestonedb/limestone"
	"github.com/limestonedb/limestone/internal/channel"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("limestone-bench", flag.ContinueOnError)
	dir := flags.StringP("dir", "d", "", "data directory (required)")
	numChannels := flags.IntP("channels", "c", 4, "number of log channels to write across")
	numSessions := flags.IntP("sessions", "s", 1000, "number of sessions per channel")
	entriesPerSession := flags.IntP("entries", "e", 10, "entries written per session")
	compact := flags.Bool("compact", false, "rotate and compact before reporting the snapshot")
	verbose := flags.BoolP("verbose", "v", false, "enable structured logging")

	if err := flags.Parse(args); err != nil {
		return err
	}

	if *dir == "" {
		return fmt.Errorf("--dir is required")
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}

		logger = l
	}

	ds, err := limestone.New(limestone.Config{DataLocation: *dir, Logger: logger})
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer func() { _ = ds.Shutdown(context.Background()) }()

	channels := make([]*channel.Channel, *numChannels)

	for i := range channels {
		ch, err := ds.CreateChannel(uint64(i))
		if err != nil {
			return fmt.Errorf("create channel %d: %w", i, err)
		}

		channels[i] = ch
	}

	start := time.Now()

	lastEpoch, err := writeSessions(ds, channels, *numSessions, *entriesPerSession)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := ds.WaitForDurableEpoch(ctx, lastEpoch); err != nil {
		return fmt.Errorf("wait for durable epoch %d: %w", lastEpoch, err)
	}

	elapsed := time.Since(start)
	total := *numChannels * *numSessions * *entriesPerSession

	fmt.Printf("wrote %d entries across %d channels in %s (%.0f entries/sec)\n",
		total, *numChannels, elapsed, float64(total)/elapsed.Seconds())

	if *compact {
		if err := ds.CompactNow(context.Background()); err != nil {
			return fmt.Errorf("compact: %w", err)
		}
	}

	if err := ds.Ready(context.Background()); err != nil {
		return fmt.Errorf("ready: %w", err)
	}

	count, err := countSnapshot(ds)
	if err != nil {
		return err
	}

	fmt.Printf("snapshot contains %d records\n", count)

	return nil
}

// writeSessions runs numSessions rounds, each stamping every channel's
// session with the same epoch, and returns the last epoch written.
func writeSessions(ds *limestone.Datastore, channels []*channel.Channel, numSessions, entriesPerSession int) (uint64, error) {
	var epoch uint64

	for round := 0; round < numSessions; round++ {
		epoch = uint64(round + 1)

		if err := ds.SwitchEpoch(epoch); err != nil {
			return 0, fmt.Errorf("switch epoch %d: %w", epoch, err)
		}

		for _, ch := range channels {
			if err := ch.BeginSession(epoch, nil); err != nil {
				return 0, fmt.Errorf("channel %d: begin session: %w", ch.Ordinal(), err)
			}

			for j := 0; j < entriesPerSession; j++ {
				key := fmt.Sprintf("k-%d-%d", round, j)
				value := fmt.Sprintf("v-%d-%d", round, j)
				wv := limestone.WriteVersion{Major: uint64(round), Minor: uint64(j)}

				entry := limestone.NormalEntry(limestone.StorageID(ch.Ordinal()), []byte(key), []byte(value), wv)
				if err := ch.AddEntry(entry); err != nil {
					return 0, fmt.Errorf("channel %d: add entry: %w", ch.Ordinal(), err)
				}
			}

			if err := ch.EndSession(epoch); err != nil {
				return 0, fmt.Errorf("channel %d: end session: %w", ch.Ordinal(), err)
			}
		}
	}

	return epoch, nil
}

func countSnapshot(ds *limestone.Datastore) (int, error) {
	snap, err := ds.GetSnapshot()
	if err != nil {
		return 0, fmt.Errorf("get snapshot: %w", err)
	}

	cur, err := snap.GetCursor()
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	defer cur.Close()

	var count int
	for cur.Next() {
		count++
	}

	if err := cur.Err(); err != nil {
		return 0, fmt.Errorf("scan: %w", err)
	}

	return count, nil
}

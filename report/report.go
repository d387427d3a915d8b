// Package report prints periodic counter snapshots.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kafka-keycount/counter"
)

// Source is what the reporter reads counts from.
type Source interface {
	Snapshot() counter.Snapshot
}

// Format renders a snapshot on one line:
//
//	key-00: 12    , key-01: 11     | Total: 23
func Format(snap counter.Snapshot) string {
	var sb strings.Builder
	for i, kc := range snap.Counts {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %-6d", kc.Key, kc.Count)
	}
	fmt.Fprintf(&sb, " | Total: %-6d", snap.Total)
	return sb.String()
}

// Run prints a snapshot immediately, then every interval until ctx is done,
// and a final snapshot on the way out. The final snapshot is returned.
func Run(ctx context.Context, src Source, interval time.Duration, log zerolog.Logger) counter.Snapshot {
	show := func() counter.Snapshot {
		snap := src.Snapshot()
		log.Info().Int64("total", snap.Total).Msg(Format(snap))
		return snap
	}

	show()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			show()
		case <-ctx.Done():
			return show()
		}
	}
}

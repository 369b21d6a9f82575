package util

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide session and traffic counter.
var Stats = &stats{}

type stats struct {
	Sessions    atomic.Int64 // sessions that completed the handshake
	Departures  atomic.Int64 // sessions that ended
	Routed      atomic.Int64 // DATA frames delivered to a live recipient
	Unroutable  atomic.Int64 // DATA frames addressed to an identity without a session
	BytesRouted atomic.Int64 // payload bytes of Routed frames
}

func (s *stats) AddSession()         { s.Sessions.Add(1) }
func (s *stats) RemoveSession()      { s.Departures.Add(1) }
func (s *stats) AddRouted(n int)     { s.Routed.Add(1); s.BytesRouted.Add(int64(n)) }
func (s *stats) AddUnroutable()      { s.Unroutable.Add(1) }
func (s *stats) Online() int64       { return s.Sessions.Load() - s.Departures.Load() }
func (s *stats) snapshot() [4]int64 {
	return [4]int64{s.Sessions.Load(), s.Departures.Load(), s.Routed.Load(), s.BytesRouted.Load()}
}

// StartStatsReporter launches a goroutine that logs routing statistics
// every interval, skipping quiet periods. When roster is not nil the line
// also lists who is online. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration, roster func() []string) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				joined := cur[0] - prev[0]
				left := cur[1] - prev[1]
				msgs := cur[2] - prev[2]
				rate := float64(cur[3]-prev[3]) / interval.Seconds()

				if joined > 0 || left > 0 || msgs > 0 {
					line := formatStats(Stats.Online(), joined, left, msgs, rate)
					if roster != nil {
						line += " | " + formatRoster(roster())
					}
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// for example "99.0   B" or " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns the status line printed by the reporter.
func formatStats(online, joined, left, msgs int64, rate float64) string {
	return fmt.Sprintf("Online: %3d | Sessions: %2d↑ %2d↓ | Messages: %4d | Traffic: %s/s",
		online,
		joined,
		left,
		msgs,
		formatBytes(rate),
	)
}

// rosterLimit caps the names shown on one status line.
const rosterLimit = 8

// formatRoster lists the first rosterLimit names and counts the rest.
func formatRoster(names []string) string {
	if len(names) == 0 {
		return "Users: none"
	}
	shown := names
	if len(shown) > rosterLimit {
		shown = shown[:rosterLimit]
	}
	out := "Users: " + strings.Join(shown, ", ")
	if rest := len(names) - len(shown); rest > 0 {
		out += fmt.Sprintf(" (+%d more)", rest)
	}
	return out
}

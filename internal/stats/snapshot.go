// Package stats aggregates the periodic telemetry snapshot pushed to
// monitoring clients.
package stats

import (
	"fmt"
	"strings"
	"time"
)

// RoomStat describes one room in a Snapshot.
type RoomStat struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"memberCount"`
	MaxMembers  int    `json:"maxMembers"`
	GameVersion string `json:"gameVersion"`
}

// Snapshot is a point-in-time view of the relay.
type Snapshot struct {
	Rooms        []RoomStat `json:"rooms"`
	TotalPlayers int        `json:"totalPlayers"`
	Uptime       string     `json:"uptime"`
	// MemoryUsage is used system memory in MiB.
	MemoryUsage int `json:"memoryUsage"`
}

type unit struct {
	name    string
	seconds int64
}

// Calendar units use mean lengths: a year is 365.25 days, a month 30.44 days.
var uptimeUnits = []unit{
	{"year", 31557600},
	{"month", 2630016},
	{"week", 7 * 86400},
	{"day", 86400},
	{"hour", 3600},
	{"minute", 60},
	{"second", 1},
}

// FormatUptime renders d as a list of non-zero units, largest first, e.g.
// "1 day 2 hours 3 seconds". Sub-second remainders are rounded.
//
// Postcondition: Returns "" for durations under half a second.
func FormatUptime(d time.Duration) string {
	remaining := int64(d.Round(time.Second) / time.Second)
	if remaining <= 0 {
		return ""
	}
	parts := make([]string, 0, len(uptimeUnits))
	for _, u := range uptimeUnits {
		n := remaining / u.seconds
		remaining %= u.seconds
		if n == 0 {
			continue
		}
		name := u.name
		if n != 1 {
			name += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, name))
	}
	return strings.Join(parts, " ")
}

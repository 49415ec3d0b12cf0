package webserver

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"

	"f1livesession/pkg/state"
)

// handleStandings renders the live classification as a plain-text table,
// handy for a quick terminal check with curl.
func (m *Manager) handleStandings(w http.ResponseWriter, r *http.Request) {
	drivers := m.store.Drivers()
	sort.Slice(drivers, func(i, j int) bool {
		return positionRank(drivers[i]) < positionRank(drivers[j])
	})

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	details := m.store.Details()
	segment := m.store.Segment()
	t.SetTitle(fmt.Sprintf("%s - %s [%s]", details.MeetingName, details.Name, segment.Current))
	t.AppendHeader(table.Row{"P", "No", "Driver", "Team", "Gap", "Int", "Last", "Best", "Tyre", "Laps", "Status"})
	for _, d := range drivers {
		best := d.BestLap.Value
		if d.OverallBestLapHolder && best != "" {
			best = "*" + best
		}
		tyre := d.TyreCompound
		if tyre != "" {
			tyre = fmt.Sprintf("%s (%d)", tyre, d.TyreAge)
		}
		t.AppendRow(table.Row{
			d.Position,
			d.RacingNumber,
			d.Tla,
			d.TeamName,
			d.GapToLeader,
			d.Interval,
			d.LastLap.Value,
			best,
			tyre,
			d.NumberOfLaps,
			d.Status,
		})
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	t.Render()
}

// positionRank orders drivers by their feed position, pushing the ones
// without one to the bottom.
func positionRank(d state.Driver) int {
	p, err := strconv.Atoi(d.Position)
	if err != nil || p <= 0 {
		return 1000 + d.Line
	}
	return p
}

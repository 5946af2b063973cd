// Package report renders the moderator's maintenance report document.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"grovekeeper/internal/domain"
)

// Data is everything the report surfaces from the ledgers.
type Data struct {
	Title          string
	GeneratedAt    time.Time
	LastScoreReset string
	Assets         []domain.Asset
	Participants   []domain.Participant
}

// Render produces the report as a plain-text document.
func Render(d Data) ([]byte, error) {
	var buf bytes.Buffer
	title := d.Title
	if title == "" {
		title = "Maintenance report"
	}
	fmt.Fprintln(&buf, title)
	fmt.Fprintf(&buf, "Generated: %s\n", d.GeneratedAt.Format("2006-01-02 15:04 MST"))
	reset := d.LastScoreReset
	if reset == "" {
		reset = "never"
	}
	fmt.Fprintf(&buf, "Scores last reset: %s\n\n", reset)

	fmt.Fprintln(&buf, "Asset statistics:")
	at := table.NewWriter()
	at.SetOutputMirror(&buf)
	at.AppendHeader(table.Row{"ID", "Species", "Watered", "Last water", "Cleaned", "Last clean"})
	for _, a := range d.Assets {
		at.AppendRow(table.Row{a.ID, a.Species, a.WaterCount, orNever(a.LastWater), a.CleanCount, orNever(a.LastClean)})
	}
	at.Render()

	fmt.Fprintln(&buf)
	fmt.Fprintln(&buf, "Participant statistics:")
	pt := table.NewWriter()
	pt.SetOutputMirror(&buf)
	pt.AppendHeader(table.Row{"Handle", "Score", "Watered", "Cleaned", "Warnings", "Suspended"})
	for _, p := range d.Participants {
		pt.AppendRow(table.Row{p.Handle, p.Score, p.WaterDone, p.CleanDone, p.Warnings, p.Suspended})
	}
	pt.Render()

	return buf.Bytes(), nil
}

func orNever(v *string) string {
	if v == nil || *v == "" {
		return "never"
	}
	return *v
}

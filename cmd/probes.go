package cmd

import (
	"bytes"
	"fmt"

	"github.com/achilleasa/polaris-ddgi/gi"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// Update the probe volume and display the probe grid state.
func ShowProbes(ctx *cli.Context) error {
	r, cleanup, err := setupRenderer(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err = r.RenderFrames(ctx.Int("frames")); err != nil {
		return err
	}

	probes := r.Volume().Probes()
	active := 0
	for _, probe := range probes {
		if probe.Active {
			active++
		}
	}
	logger.Noticef("probe grid after %d update(s): %d of %d probes active\n%s", r.Volume().Frame(), active, len(probes), probeTable(probes))
	return nil
}

func probeTable(probes []gi.Probe) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Probe", "Coords", "Position", "Offset", "State"})
	for _, probe := range probes {
		state := "active"
		if !probe.Active {
			state = "inactive"
		}
		table.Append([]string{
			fmt.Sprint(probe.Index),
			fmt.Sprintf("%d, %d, %d", probe.Coords[0], probe.Coords[1], probe.Coords[2]),
			fmtVec3(probe.Position[0], probe.Position[1], probe.Position[2]),
			fmtVec3(probe.Offset[0], probe.Offset[1], probe.Offset[2]),
			state,
		})
	}
	table.Render()
	return buf.String()
}

func fmtVec3(x, y, z float32) string {
	return fmt.Sprintf("%6.3f, %6.3f, %6.3f", x, y, z)
}

package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/context/checkpoints"
)

// Summary prints one column per checkpoint, with the global step, run id and the sizes of the variables in scope.
func Summary(cps []*checkpoints.Checkpoint, names []string, scope string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	table.Row(append([]string{"training dir"}, names...)...)

	addRow := func(label string, fn func(cp *checkpoints.Checkpoint) string) {
		row := make([]string, 0, len(cps)+1)
		row = append(row, label)
		for _, cp := range cps {
			row = append(row, fn(cp))
		}
		table.Row(row...)
	}
	addRow("checkpoint", func(cp *checkpoints.Checkpoint) string { return cp.Name })
	addRow("scope", func(*checkpoints.Checkpoint) string { return scope })
	addRow("global_step", func(cp *checkpoints.Checkpoint) string { return humanize.Comma(cp.GlobalStep) })
	addRow("run id", func(cp *checkpoints.Checkpoint) string { return cp.RunID })
	addRow("time", func(cp *checkpoints.Checkpoint) string {
		return fmt.Sprintf("%s (%s)", cp.Time.Format(time.DateTime), humanize.Time(cp.Time))
	})
	addRow("file size", func(cp *checkpoints.Checkpoint) string {
		return fmt.Sprintf("%s (%s)", humanize.Bytes(uint64(cp.Size)), cp.BinFormat)
	})

	type sizes struct {
		numVars, numParams int
		memory             uintptr
	}
	inScope := func(cp *checkpoints.Checkpoint) (s sizes) {
		for _, info := range cp.Variables {
			if !context.InScope(info.ParameterName, scope) {
				continue
			}
			value := cp.Values[info.ParameterName]
			s.numVars++
			s.numParams += value.Size()
			s.memory += value.Memory()
		}
		return
	}
	addRow("# variables", func(cp *checkpoints.Checkpoint) string { return humanize.Comma(int64(inScope(cp).numVars)) })
	addRow("# parameters", func(cp *checkpoints.Checkpoint) string { return humanize.Comma(int64(inScope(cp).numParams)) })
	addRow("# bytes", func(cp *checkpoints.Checkpoint) string { return humanize.Bytes(uint64(inScope(cp).memory)) })
	fmt.Println(table.Render())
}

// ListCheckpoints prints the checkpoints kept in the training directory, oldest first.
func ListCheckpoints(dir string) error {
	handler, err := checkpoints.Build(context.New()).Dir(dir).Keep(-1).Done()
	if err != nil {
		return err
	}
	baseNames, err := handler.ListCheckpoints()
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Checkpoints in %q", handler.Dir())))
	table := newPlainTable(true, lipgloss.Left, lipgloss.Right)
	table.Headers("Checkpoint", "Global Step", "Run ID", "Time", "Size")
	for _, baseName := range baseNames {
		cp, err := checkpoints.Read(handler.Backend(), baseName)
		if err != nil {
			return err
		}
		table.Row(baseName, humanize.Comma(cp.GlobalStep), cp.RunID, cp.Time.Format(time.DateTime),
			humanize.Bytes(uint64(cp.Size)))
	}
	fmt.Println(table.Render())
	return nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/train"
)

// ReportEval evaluates the model on each of the datasets with train.Evaluate, reading the parameters from params,
// and prints a table with the results to w.
func ReportEval(w io.Writer, model train.Model, params context.Reader, topK int, datasets ...train.Dataset) (
	results []*train.EvalResult, err error) {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return normalStyle
			}
			return rightAlignedStyle
		}).
		Headers("Dataset", "Examples", "Mean Loss", fmt.Sprintf("Top-%d", max(topK, 1)))
	for _, ds := range datasets {
		result, err := train.Evaluate(model, params, ds, topK)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
		table.Row(ds.Name(), humanize.Comma(int64(result.Examples)),
			fmt.Sprintf("%.4f", result.Loss), fmt.Sprintf("%.2f%%", 100*result.TopK))
	}
	_, err = fmt.Fprintln(w, table.String())
	return results, err
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/gomlx/towers/pkg/ml/context/checkpoints"
	"github.com/gomlx/towers/pkg/support/sets"
	"golang.org/x/exp/maps"
)

type scopeKey struct{ Scope, Key string }

// paramsRows returns one row per (scope, key) found in any of the checkpoints: scope, key, type and one value
// per checkpoint. It also returns whether the values differ across the checkpoints.
func paramsRows(cps []*checkpoints.Checkpoint) (rows [][]string, differ []bool) {
	scopeKeySet := sets.Make[scopeKey]()
	for _, cp := range cps {
		for scope, params := range cp.Params {
			for key := range params {
				scopeKeySet.Insert(scopeKey{Scope: scope, Key: key})
			}
		}
	}
	scopeKeys := maps.Keys(scopeKeySet)
	slices.SortFunc(scopeKeys, func(a, b scopeKey) int {
		if c := cmp.Compare(a.Scope, b.Scope); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})

	for _, pair := range scopeKeys {
		row := make([]string, 3+len(cps))
		row[0], row[1] = pair.Scope, pair.Key
		for ii, cp := range cps {
			value, found := cp.Params[pair.Scope][pair.Key]
			if !found {
				continue
			}
			if row[2] == "" {
				row[2] = fmt.Sprintf("%T", value)
			}
			row[3+ii] = fmt.Sprintf("%v", value)
		}
		rows = append(rows, row)
		differ = append(differ, !isAllEqual(row[3:]))
	}
	return
}

// Params prints the hyperparameters saved with the checkpoints. Values that differ across checkpoints are
// highlighted.
func Params(cps []*checkpoints.Checkpoint, names []string) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := newPlainTableWithReds(true)
	headers := []string{"Scope", "Name", "Type"}
	if len(cps) == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, names...)
	}
	table.Table.Headers(headers...)
	rows, differ := paramsRows(cps)
	for ii, row := range rows {
		table.Row(differ[ii], row...)
	}
	fmt.Println(table.Table.Render())
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns, for each path, the shortest label built from the path components that differ
// from the other paths. If only one component differs it is used alone, otherwise the first and last
// differing components are joined with "...". Paths with no differences are labeled by their last component.
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return paths
	}
	parts := make([][]string, len(paths))
	for ii, p := range paths {
		parts[ii] = strings.Split(filepath.Clean(p), string(filepath.Separator))
	}

	labels := make([]string, len(paths))
	for ii, components := range parts {
		var diffs []int
		for jj, other := range parts {
			if ii == jj {
				continue
			}
			for k := range min(len(components), len(other)) {
				if components[k] != other[k] && !slices.Contains(diffs, k) {
					diffs = append(diffs, k)
				}
			}
		}
		slices.Sort(diffs)
		switch len(diffs) {
		case 0:
			labels[ii] = components[len(components)-1]
		case 1:
			labels[ii] = components[diffs[0]]
		default:
			labels[ii] = components[diffs[0]] + "..." + components[diffs[len(diffs)-1]]
		}
	}
	return labels
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns, for each of the paths, the path parts that distinguish it from the others.
// Paths that differ in more than one part are shown as "<first>...<last>" differing parts, and a single
// path is returned as is.
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return paths
	}
	splitPaths := make([][]string, len(paths))
	for ii, path := range paths {
		splitPaths[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}

	result := make([]string, len(paths))
	for ii, parts := range splitPaths {
		var diffIndexes []int
		for jj, otherParts := range splitPaths {
			if ii == jj {
				continue
			}
			for kk := range min(len(parts), len(otherParts)) {
				if parts[kk] != otherParts[kk] && !slices.Contains(diffIndexes, kk) {
					diffIndexes = append(diffIndexes, kk)
				}
			}
		}
		slices.Sort(diffIndexes)
		switch len(diffIndexes) {
		case 0:
			result[ii] = parts[len(parts)-1]
		case 1:
			result[ii] = parts[diffIndexes[0]]
		default:
			result[ii] = parts[diffIndexes[0]] + "..." + parts[diffIndexes[len(diffIndexes)-1]]
		}
	}
	return result
}

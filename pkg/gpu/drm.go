// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package gpu

import (
	"os"
	"sort"
	"strings"
)

// drmCardDirs returns the top-level "cardN" entries under
// /sys/class/drm, skipping connector subdirectories like "card0-HDMI-A-1".
func drmCardDirs(drmRoot string) []string {
	entries, err := os.ReadDir(drmRoot)
	if err != nil {
		return nil
	}
	var cards []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "card") {
			continue
		}
		if strings.Contains(name, "-") {
			continue
		}
		cards = append(cards, name)
	}
	sort.Strings(cards)
	return cards
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

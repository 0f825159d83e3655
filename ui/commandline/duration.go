// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"time"
)

// FormatDuration prints the duration with 2 decimal places in its largest unit up to seconds, e.g. "1.50s" or
// "2.00ms". Durations of a minute or more are rounded to the second.
func FormatDuration(d time.Duration) string {
	abs := d.Abs()
	switch {
	case abs >= time.Minute:
		return d.Round(time.Second).String()
	case abs >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case abs >= time.Millisecond:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	case abs >= time.Microsecond:
		return fmt.Sprintf("%.2fµs", float64(d)/float64(time.Microsecond))
	default:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
}

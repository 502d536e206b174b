package main

import (
	"github.com/dustin/go-humanize"
)

// formatSize renders a byte count in binary units (KiB, MiB, GiB),
// matching what OneDrive's own UI reports for quotas.
func formatSize(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.IBytes(uint64(n))
}

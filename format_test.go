package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		n    int64
		want string
	}{
		{name: "zero", n: 0, want: "0 B"},
		{name: "kilobytes", n: 10 * 1024, want: "10 KiB"},
		{name: "gigabytes", n: 5 * 1024 * 1024 * 1024, want: "5.0 GiB"},
		{name: "negative", n: -1, want: "unknown"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, formatSize(tt.n))
		})
	}
}

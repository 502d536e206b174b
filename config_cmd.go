package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/odmirror/odmirror/internal/config"
)

// newConfigCmd prints the effective configuration: file values merged
// with defaults, in TOML so the output can seed a config file.
func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := flagConfigPath
			if path == "" {
				path = config.DefaultConfigPath()
			}

			fmt.Printf("# config file: %s\n", path)

			return toml.NewEncoder(os.Stdout).Encode(cfg)
		},
	}
}

package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/odmirror/odmirror/internal/config"
	"github.com/odmirror/odmirror/internal/graph"
	"github.com/odmirror/odmirror/internal/tokenfile"
)

// Metadata keys cached in the token file so whoami works offline.
const (
	metaDisplayName = "display_name"
	metaEmail       = "email"
	metaDriveType   = "drive_type"
)

// tokenPath returns the token file location inside the state directory.
func tokenPath(cfg *config.Config) string {
	return filepath.Join(cfg.StateDir, "token.json")
}

// newGraphClient builds an authenticated Graph client from the saved
// token, pointed at the configured cloud deployment.
func newGraphClient(ctx context.Context, cfg *config.Config) (*graph.Client, error) {
	logger := buildLogger()

	ts, err := graph.TokenSourceFromPath(ctx, tokenPath(cfg), cfg.AzureADEndpoint, logger)
	if err != nil {
		return nil, err
	}

	return graph.NewClient(graph.Options{
		BaseURL:     graph.CloudFor(cfg.AzureADEndpoint).BaseURL,
		HTTPClient:  defaultHTTPClient(),
		Token:       ts,
		Logger:      logger,
		ForceHTTP11: cfg.ForceHTTP11,
	}), nil
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate with Microsoft and save a token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := buildLogger()
			path := tokenPath(cfg)

			ts, err := graph.Login(ctx, path, cfg.AzureADEndpoint, func(da graph.DeviceAuth) {
				fmt.Printf("To sign in, open %s and enter the code %s\n",
					da.VerificationURI, da.UserCode)
			}, logger)
			if err != nil {
				return err
			}

			client := graph.NewClient(graph.Options{
				BaseURL:     graph.CloudFor(cfg.AzureADEndpoint).BaseURL,
				HTTPClient:  defaultHTTPClient(),
				Token:       ts,
				Logger:      logger,
				ForceHTTP11: cfg.ForceHTTP11,
			})

			// Cache account identity so whoami does not need the network.
			// Failure here is cosmetic; the login itself already succeeded.
			meta := map[string]string{}

			if user, err := client.Me(ctx); err == nil {
				meta[metaDisplayName] = user.DisplayName
				meta[metaEmail] = user.Email
			}

			if drive, err := client.DefaultDrive(ctx); err == nil {
				meta[metaDriveType] = drive.DriveType
			}

			if len(meta) > 0 {
				if err := tokenfile.LoadAndMergeMeta(path, meta); err != nil {
					logger.Warn("failed to cache account metadata", "error", err)
				}
			}

			if meta[metaEmail] != "" {
				fmt.Printf("Logged in as %s (%s)\n", meta[metaDisplayName], meta[metaEmail])
			} else {
				fmt.Println("Logged in.")
			}

			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved token",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := graph.Logout(tokenPath(cfg), buildLogger()); err != nil {
				return err
			}

			fmt.Println("Logged out.")

			return nil
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := tokenPath(cfg)

			meta, err := tokenfile.ReadMeta(path)
			if err != nil {
				return err
			}

			// Cached metadata first; fall back to the network for token
			// files written before metadata caching existed.
			if meta[metaEmail] == "" {
				client, err := newGraphClient(cmd.Context(), cfg)
				if err != nil {
					return err
				}

				user, err := client.Me(cmd.Context())
				if err != nil {
					return err
				}

				meta = map[string]string{
					metaDisplayName: user.DisplayName,
					metaEmail:       user.Email,
				}
			}

			fmt.Printf("%s (%s)\n", meta[metaDisplayName], meta[metaEmail])

			if meta[metaDriveType] != "" {
				fmt.Printf("Drive type: %s\n", meta[metaDriveType])
			}

			return nil
		},
	}
}

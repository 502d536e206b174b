package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/odmirror/odmirror/internal/sync"
	"github.com/odmirror/odmirror/internal/tokenfile"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show account, quota, and sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			meta, err := tokenfile.ReadMeta(tokenPath(cfg))
			if err != nil {
				return err
			}

			if meta[metaEmail] != "" {
				fmt.Printf("Account:    %s (%s)\n", meta[metaDisplayName], meta[metaEmail])
			} else {
				fmt.Println("Account:    not logged in")
			}

			client, err := newGraphClient(ctx, cfg)
			if err == nil {
				if drive, driveErr := client.DefaultDrive(ctx); driveErr == nil {
					fmt.Printf("Drive:      %s (%s)\n", drive.ID, drive.DriveType)
					fmt.Printf("Quota:      %s used of %s (%s free, state %s)\n",
						formatSize(drive.QuotaUsed),
						formatSize(drive.QuotaTotal),
						formatSize(drive.QuotaRemain),
						drive.QuotaState,
					)
				} else {
					fmt.Printf("Quota:      unavailable (%v)\n", driveErr)
				}
			}

			fmt.Printf("Sync dir:   %s\n", emptyDash(cfg.SyncDir))
			fmt.Printf("State dir:  %s\n", cfg.StateDir)

			dbPath := filepath.Join(cfg.StateDir, stateDBName)
			if _, err := os.Stat(dbPath); os.IsNotExist(err) {
				fmt.Println("State:      no sync state (first run pending)")

				return nil
			}

			store, err := sync.NewStore(dbPath, buildLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			driveIDs, err := store.DriveIDs(ctx)
			if err != nil {
				return err
			}

			total := 0

			for _, id := range driveIDs {
				items, err := store.DriveItems(ctx, id)
				if err != nil {
					return err
				}

				total += len(items)
			}

			fmt.Printf("Tracked:    %d items across %d drive(s)\n", total, len(driveIDs))

			sessions, err := sync.NewSessionStore(cfg.StateDir)
			if err != nil {
				return err
			}

			uploads, err := sessions.ListUploads()
			if err != nil {
				return err
			}

			downloads, err := sessions.ListDownloads()
			if err != nil {
				return err
			}

			if len(uploads)+len(downloads) > 0 {
				fmt.Printf("Resumable:  %d upload(s), %d download(s) pending\n",
					len(uploads), len(downloads))
			}

			return nil
		},
	}
}

func emptyDash(s string) string {
	if s == "" {
		return "(not configured)"
	}

	return s
}

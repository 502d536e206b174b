// Package config loads and validates the odmirror configuration: a TOML
// file merged with command-line overrides into one immutable Config
// struct that every engine component receives by value or pointer.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// Transfer ordering modes for the transfer pool.
const (
	TransferOrderDefault  = "default"
	TransferOrderNameAsc  = "name_asc"
	TransferOrderNameDesc = "name_dsc"
	TransferOrderSizeAsc  = "size_asc"
	TransferOrderSizeDesc = "size_dsc"
)

// Azure AD national-cloud endpoints that do not support the delta API;
// syncing against them uses the simulated change feed.
var simulatedDeltaEndpoints = map[string]bool{
	"USL4": true,
	"USL5": true,
	"DE":   true,
	"CN":   true,
}

// Defaults mirroring the upstream client's documented values.
const (
	defaultThreads             = 8
	defaultFragmentSizeMiB     = 10
	defaultBigDeleteThreshold  = 1000
	defaultSpaceReservationMiB = 50
	defaultSkipFile            = "~*|.~*|*.tmp|*.swp|*.partial"
)

// Config is the complete engine configuration. It is assembled once at
// startup (file values, then CLI overrides) and treated as immutable
// afterwards; components never mutate it.
type Config struct {
	// Paths.
	SyncDir  string `toml:"sync_dir"`  // local sync root
	StateDir string `toml:"state_dir"` // state DB + session descriptors

	// Concurrency and transfer tuning.
	Threads             int    `toml:"threads"`
	FileFragmentSizeMiB int64  `toml:"file_fragment_size"`
	TransferOrder       string `toml:"transfer_order"`
	SpaceReservationMiB int64  `toml:"space_reservation"`
	RateLimit           int64  `toml:"rate_limit"` // bytes/sec, 0 = unlimited
	ForceHTTP11         bool   `toml:"force_http_11"`
	ForceSessionUpload  bool   `toml:"force_session_upload"`
	ForceChildrenScan   bool   `toml:"force_children_scan"`

	// Filtering.
	SkipDir       []string `toml:"skip_dir"`
	SkipFile      []string `toml:"skip_file"`
	SyncListPath  string   `toml:"sync_list"` // path to sync_list rules file
	SkipDotfiles  bool     `toml:"skip_dotfiles"`
	SkipSymlinks  bool     `toml:"skip_symlinks"`
	SkipSizeMiB   int64    `toml:"skip_size"` // files larger than this are skipped, 0 = off
	CheckNosync   bool     `toml:"check_nosync"`
	SyncRootFiles bool     `toml:"sync_root_files"`

	// Shared-folder handling.
	SyncBusinessSharedItems bool `toml:"sync_business_shared_items"`
	SyncBusinessSharedFiles bool `toml:"sync_business_shared_files"`

	// Deletion behaviour.
	ClassifyAsBigDelete int  `toml:"classify_as_big_delete"`
	UseRecycleBin       bool `toml:"use_recycle_bin"`
	PermanentDelete     bool `toml:"permanent_delete"`
	NoRemoteDelete      bool `toml:"no_remote_delete"`

	// Integrity and preservation.
	DisableDownloadValidation bool `toml:"disable_download_validation"`
	DisableUploadValidation   bool `toml:"disable_upload_validation"`
	BypassDataPreservation    bool `toml:"bypass_data_preservation"`
	CreateNewFileVersion      bool `toml:"create_new_file_version"`

	// Extras.
	WriteXattrData    bool   `toml:"write_xattr_data"`
	NotifyFileActions bool   `toml:"notify_file_actions"`
	AzureADEndpoint   string `toml:"azure_ad_endpoint"` // "", "USL4", "USL5", "DE", "CN"

	// Runtime flags (CLI only, never from the TOML file).
	DryRun            bool   `toml:"-"`
	UploadOnly        bool   `toml:"-"`
	DownloadOnly      bool   `toml:"-"`
	CleanupLocalFiles bool   `toml:"-"`
	RemoveSourceFiles bool   `toml:"-"`
	Resync            bool   `toml:"-"`
	Force             bool   `toml:"-"`
	SingleDirectory   string `toml:"-"`
	Monitor           bool   `toml:"-"`
}

// Default returns a Config populated with upstream-compatible defaults.
// SyncDir and StateDir are left empty; Load fills them from the file or
// the caller's flags.
func Default() *Config {
	return &Config{
		Threads:             defaultThreads,
		FileFragmentSizeMiB: defaultFragmentSizeMiB,
		TransferOrder:       TransferOrderDefault,
		SpaceReservationMiB: defaultSpaceReservationMiB,
		ClassifyAsBigDelete: defaultBigDeleteThreshold,
		SkipFile:            splitPatternList(defaultSkipFile),
		UseRecycleBin:       true,
	}
}

// Validate checks cross-field consistency. It is called once after flag
// overrides are applied.
func (c *Config) Validate() error {
	if c.SyncDir == "" {
		return fmt.Errorf("config: sync_dir is required")
	}

	if !filepath.IsAbs(c.SyncDir) {
		return fmt.Errorf("config: sync_dir %q must be absolute", c.SyncDir)
	}

	if c.Threads < 1 {
		return fmt.Errorf("config: threads must be at least 1, got %d", c.Threads)
	}

	switch c.TransferOrder {
	case TransferOrderDefault, TransferOrderNameAsc, TransferOrderNameDesc,
		TransferOrderSizeAsc, TransferOrderSizeDesc:
	default:
		return fmt.Errorf("config: unknown transfer_order %q", c.TransferOrder)
	}

	if c.UploadOnly && c.DownloadOnly {
		return fmt.Errorf("config: --upload-only and --download-only are mutually exclusive")
	}

	if c.CleanupLocalFiles && !c.DownloadOnly {
		return fmt.Errorf("config: --cleanup-local-files requires --download-only")
	}

	if c.RemoveSourceFiles && !c.UploadOnly {
		return fmt.Errorf("config: --remove-source-files requires --upload-only")
	}

	if c.AzureADEndpoint != "" && !simulatedDeltaEndpoints[c.AzureADEndpoint] {
		return fmt.Errorf("config: unknown azure_ad_endpoint %q (valid: USL4, USL5, DE, CN)", c.AzureADEndpoint)
	}

	return nil
}

// SimulatedDelta reports whether change discovery must use the simulated
// feed: national clouds without delta support, single-directory scope,
// forced children scans, and download-only cleanup runs.
func (c *Config) SimulatedDelta() bool {
	if simulatedDeltaEndpoints[c.AzureADEndpoint] {
		return true
	}

	if c.SingleDirectory != "" || c.ForceChildrenScan {
		return true
	}

	return c.DownloadOnly && c.CleanupLocalFiles
}

// FragmentSizeBytes returns the session-upload fragment size in bytes,
// clamped to a multiple of 320 KiB and strictly below 60 MiB, per the
// upload session contract.
func (c *Config) FragmentSizeBytes() int64 {
	const (
		fragmentAlignment = 320 * 1024
		fragmentCeiling   = 60 * 1024 * 1024
	)

	size := c.FileFragmentSizeMiB * 1024 * 1024
	if size <= 0 {
		size = defaultFragmentSizeMiB * 1024 * 1024
	}

	if size >= fragmentCeiling {
		size = fragmentCeiling - fragmentAlignment
	}

	return (size / fragmentAlignment) * fragmentAlignment
}

// SpaceReservationBytes returns the download free-space reservation in bytes.
func (c *Config) SpaceReservationBytes() int64 {
	return c.SpaceReservationMiB * 1024 * 1024
}

// SkipSizeBytes returns the skip_size threshold in bytes (0 = disabled).
func (c *Config) SkipSizeBytes() int64 {
	return c.SkipSizeMiB * 1024 * 1024
}

// MaxPathLength returns the remote path-length ceiling for the account
// type: 430 characters for personal accounts, 400 for business/SharePoint.
func MaxPathLength(personalAccount bool) int {
	if personalAccount {
		return 430
	}

	return 400
}

// DefaultThreadCount returns the default worker count, bounded by CPUs.
func DefaultThreadCount() int {
	return min(defaultThreads, runtime.NumCPU()*2)
}

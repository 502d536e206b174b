package graph

import (
	"time"

	"github.com/odmirror/odmirror/internal/driveid"
)

// ChildCountUnknown marks a folder whose child count was absent from
// the API response.
const ChildCountUnknown = -1

// Drive types reported by the API.
const (
	DriveTypePersonal = "personal"
	DriveTypeBusiness = "business"
	DriveTypeDocLib   = "documentLibrary"
)

// Item is a normalized drive item. Every response shape (children,
// delta, single item, upload completion) converges here; the rest of
// the engine never touches raw API JSON.
type Item struct {
	ID            string
	Name          string
	DriveID       driveid.ID
	ParentID      string
	ParentDriveID driveid.ID
	ParentPath    string // parentReference.path, e.g. "/drive/root:/Documents"
	Size          int64
	ETag          string
	CTag          string

	IsFolder  bool
	IsRoot    bool
	IsDeleted bool
	IsMalware bool

	// Package items (OneNote notebooks) are opaque bundles the API will
	// not let clients download; they are excluded from sync.
	IsPackage   bool
	PackageType string

	// Remote facet, present when the item is a link into another drive
	// (a shared folder added to this drive).
	IsRemote       bool
	RemoteDriveID  driveid.ID
	RemoteID       string
	RemoteParentID string
	RemoteIsFolder bool

	MimeType     string
	QuickXorHash string // base64
	SHA1Hash     string // hex
	SHA256Hash   string // hex

	CreatedAt  time.Time
	ModifiedAt time.Time

	CreatedBy      string // display name
	LastModifiedBy string // display name

	ChildCount int // ChildCountUnknown when absent

	// Pre-authenticated and ephemeral. NEVER log this field.
	DownloadURL string
}

// HasHash reports whether the item carries any content hash. Business
// accounts may omit hashes for freshly uploaded files until async
// processing completes.
func (it *Item) HasHash() bool {
	return it.QuickXorHash != "" || it.SHA256Hash != "" || it.SHA1Hash != ""
}

// DeltaPage is one page of a delta enumeration. Exactly one of NextLink
// (more pages follow) or DeltaLink (enumeration complete, save this
// token) is set on a well-formed response.
type DeltaPage struct {
	Items     []Item
	NextLink  string
	DeltaLink string
}

// User is the authenticated account's profile.
type User struct {
	ID          string
	DisplayName string
	Email       string
}

// Drive is a normalized drive resource with its quota.
type Drive struct {
	ID          driveid.ID
	Name        string
	DriveType   string // DriveTypePersonal, DriveTypeBusiness, DriveTypeDocLib
	OwnerName   string
	QuotaUsed   int64
	QuotaTotal  int64
	QuotaRemain int64
	QuotaState  string // "normal", "nearing", "critical", "exceeded"
}

// IsPersonal reports whether the drive belongs to a consumer account.
// Integrity checking and delta simulation both branch on this.
func (d *Drive) IsPersonal() bool {
	return d.DriveType == DriveTypePersonal
}

// SharedItem is an entry from the shared-with-me listing: the local
// stub plus the remote drive coordinates it points at.
type SharedItem struct {
	Item       Item
	SharedBy   string
	SharedTime time.Time
}

// Site is a SharePoint site from a site search.
type Site struct {
	ID          string
	Name        string
	DisplayName string
	WebURL      string
}

// UploadSession is a resumable upload session. The URL embeds auth and
// must never be logged.
type UploadSession struct {
	UploadURL      string
	ExpirationTime time.Time
}

// UploadSessionStatus reports which byte ranges the server still
// expects, used to resume interrupted uploads.
type UploadSessionStatus struct {
	UploadURL          string
	ExpirationTime     time.Time
	NextExpectedRanges []string
}

// ShareLink is a created sharing link.
type ShareLink struct {
	ID    string
	Type  string // "view", "edit", "embed"
	Scope string // "anonymous", "organization"
	URL   string
}

package driveid

// ItemKey is the composite (drive ID, item ID) pair that uniquely
// identifies an item across all drives. Comparable, so it can be used
// directly as a map key (skip-parent sets, dry-run shadow sets).
type ItemKey struct {
	Drive ID
	Item  string
}

// NewItemKey builds an ItemKey, normalizing the drive identifier.
func NewItemKey(rawDriveID, itemID string) ItemKey {
	return ItemKey{Drive: New(rawDriveID), Item: itemID}
}

// String renders the key as "driveID/itemID" for logging.
func (k ItemKey) String() string {
	return k.Drive.String() + "/" + k.Item
}

// IsZero reports whether either component is absent.
func (k ItemKey) IsZero() bool {
	return k.Drive.IsZero() || k.Item == ""
}

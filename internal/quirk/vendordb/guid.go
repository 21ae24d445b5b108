package vendordb

import "github.com/go-fwupd/fwupd-core/internal/instanceid"

// instanceGUID hashes a raw instance-ID string into its GUID, the same
// way the quirk store's INI documents are keyed.
func instanceGUID(instanceID string) string {
	return instanceid.HashGUID(instanceID).String()
}

package vendordb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshAndLookup(t *testing.T) {
	dir := t.TempDir()
	idsPath := filepath.Join(dir, "usb.ids")
	require.NoError(t, os.WriteFile(idsPath, []byte("046d  Logitech, Inc.\n\tc52b  Unifying Receiver\n"), 0o644))

	db, err := Open(filepath.Join(dir, "quirks.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Refresh([]string{idsPath}))

	vendorGUID := instanceGUID(`USB\VID_046D`)
	v, ok := db.Lookup(vendorGUID, "Vendor")
	require.True(t, ok)
	assert.Equal(t, "Logitech, Inc.", v)

	productGUID := instanceGUID(`USB\VID_046D&PID_C52B`)
	v, ok = db.Lookup(productGUID, "Name")
	require.True(t, ok)
	assert.Equal(t, "Unifying Receiver", v)
}

func TestRefreshSkipsWhenMtimeUnchanged(t *testing.T) {
	dir := t.TempDir()
	idsPath := filepath.Join(dir, "usb.ids")
	require.NoError(t, os.WriteFile(idsPath, []byte("046d  Logitech, Inc.\n"), 0o644))

	db, err := Open(filepath.Join(dir, "quirks.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Refresh([]string{idsPath}))
	require.NoError(t, db.Refresh([]string{idsPath}))

	vendorGUID := instanceGUID(`USB\VID_046D`)
	_, ok := db.Lookup(vendorGUID, "Vendor")
	assert.True(t, ok)
}

// Package instanceid implements the instance-ID builder and GUID hashing
// engine (spec §4.2): typed key/value builders assemble a
// "SUBSYS\KEY1_VAL1&KEY2_VAL2" string, which is then hashed into a
// Version-5 UUID unless it is already a valid UUID.
package instanceid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// fwupdNamespace is the fixed namespace UUID instance identifiers are
// hashed against. original_source/ ships only fwupd-common.h/
// fwupd-common-private.h, not the .c file that defines the real
// namespace constant, so this is the well-known DNS namespace UUID from
// RFC 4122 Appendix C rather than a value recovered from the pack — an
// independent choice, not a grounded one.
var fwupdNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Flag selects how an instance ID participates in quirk lookup and GUID
// export (spec §4.2/§3 "Instance IDs and GUIDs").
type Flag int

const (
	// Visible exports the instance ID's GUID to the daemon, unless the
	// device has NoGenericGuids set and only Generic was supplied.
	Visible Flag = 1 << iota
	// Quirks triggers a quirk lookup keyed on the hashed GUID.
	Quirks
	// Generic marks the instance ID as a fallback match, suppressed
	// from export when NoGenericGuids is set.
	Generic
)

// Builder assembles one instance-ID key/value sequence. It is not safe for
// concurrent use; callers create one per Build call.
type Builder struct {
	keys    []string
	values  map[string]string
	missing []string
}

// NewBuilder returns an empty instance-ID key/value builder.
func NewBuilder() *Builder {
	return &Builder{values: make(map[string]string)}
}

var strsafeRe = regexp.MustCompile(`[^[:print:]/\\()_\-&,]+|[/\\()_\-&,]+`)

// AddStr adds a raw string value verbatim under key.
func (b *Builder) AddStr(key, value string) *Builder {
	return b.set(key, value)
}

// AddStrSafe adds value with non-printable characters and the set
// /\()_-&, collapsed to a single '-', with any trailing '-' trimmed
// (spec §4.2).
func (b *Builder) AddStrSafe(key, value string) *Builder {
	safe := strsafeRe.ReplaceAllString(value, "-")
	safe = strings.TrimRight(safe, "-")
	return b.set(key, safe)
}

// AddStrUp adds value upper-cased.
func (b *Builder) AddStrUp(key, value string) *Builder {
	return b.set(key, strings.ToUpper(value))
}

// AddU4 adds a one-hex-digit uppercase value (nibble, width 1).
func (b *Builder) AddU4(key string, value uint8) *Builder {
	return b.set(key, fmt.Sprintf("%01X", value&0x0F))
}

// AddU8 adds a fixed-width-2 uppercase hex value.
func (b *Builder) AddU8(key string, value uint8) *Builder {
	return b.set(key, fmt.Sprintf("%02X", value))
}

// AddU16 adds a fixed-width-4 uppercase hex value.
func (b *Builder) AddU16(key string, value uint16) *Builder {
	return b.set(key, fmt.Sprintf("%04X", value))
}

// AddU32 adds a fixed-width-8 uppercase hex value.
func (b *Builder) AddU32(key string, value uint32) *Builder {
	return b.set(key, fmt.Sprintf("%08X", value))
}

func (b *Builder) set(key, value string) *Builder {
	if _, ok := b.values[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.values[key] = value
	return b
}

// MarkMissing records that a value for key could not be computed; Build
// then fails, naming every key marked missing.
func (b *Builder) MarkMissing(key string) *Builder {
	b.missing = append(b.missing, key)
	return b
}

// Build renders "SUBSYS\KEY1_VAL1&KEY2_VAL2..." from the requested keys,
// in the order given. A key with no value set (never added, or marked
// missing) fails the whole build, per spec §4.2 ("a missing key is an
// error and suppresses that ID").
func (b *Builder) Build(subsystem string, keys ...string) (string, error) {
	if len(b.missing) > 0 {
		return "", fmt.Errorf("instance id missing keys: %s", strings.Join(b.missing, ", "))
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := b.values[k]
		if !ok {
			return "", fmt.Errorf("instance id missing key %q", k)
		}
		parts = append(parts, k+"_"+v)
	}
	return subsystem + `\` + strings.Join(parts, "&"), nil
}

// IsValidUUID reports whether s parses as a UUID in any of the standard
// textual forms.
func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// HashGUID returns the GUID that represents instanceID: instanceID
// verbatim if it already parses as a UUID, else its Version-5 hash
// against the fwupd namespace (spec §3 "Instance IDs and GUIDs").
func HashGUID(instanceID string) uuid.UUID {
	if u, err := uuid.Parse(instanceID); err == nil {
		return u
	}
	return uuid.NewSHA1(fwupdNamespace, []byte(instanceID))
}

// Entry is one instance ID registered on a device, carrying the flags
// that govern its quirk/export behavior.
type Entry struct {
	ID    string
	Flags Flag
	GUID  uuid.UUID
}

// NewEntry builds an Entry from a free-form instance ID, hashing its GUID
// immediately.
func NewEntry(id string, flags Flag) Entry {
	return Entry{ID: id, Flags: flags, GUID: HashGUID(id)}
}

// FormatU8 is a small helper for code building human-readable instance ID
// logs (not used for GUID hashing) that needs the zero-padded width the
// original CLI tooling favors.
func FormatU8(v uint8) string {
	s := strconv.FormatUint(uint64(v), 16)
	if len(s) < 2 {
		s = "0" + s
	}
	return s
}

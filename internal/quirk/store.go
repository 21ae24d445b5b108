// Package quirk implements the quirk store (spec §4.1): a compiled
// key/value override document, keyed by GUID, assembled from
// lexicographically-sorted *.quirk INI files plus a SQLite-backed
// vendor-ID cache. It never mutates the files it reads.
package quirk

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-ini/ini"
	"github.com/sirupsen/logrus"

	"github.com/go-fwupd/fwupd-core/internal/instanceid"
	"github.com/go-fwupd/fwupd-core/internal/quirk/vendordb"
)

var quirkLog = logrus.WithField("subsystem", "quirk")

// SetLogger sets the logger for the quirk package, merging in any fields
// already attached to the package logger (mirrors the teacher's
// per-package SetLogger convention).
func SetLogger(logger *logrus.Entry) {
	fields := quirkLog.Data
	quirkLog = logger.WithFields(fields)
}

// flagsValueRe validates Flags= values: lowercase alphanumeric, ',', '~',
// '-' only (spec §4.1). Violations are warned, never fatal.
var flagsValueRe = regexp.MustCompile(`^[a-z0-9,~-]*$`)

// Source identifies which backend produced a value from Iter.
type Source string

const (
	SourceXML Source = "xml" // the compiled INI document (named for parity with the spec's XML-query description)
	SourceSQL Source = "sql" // the vendor-ID SQLite cache
)

// group is one compiled device[id=GUID] node: an ordered map of
// value[key=key] children, preserving first-seen insertion order so Iter
// output is deterministic.
type group struct {
	keys   []string
	values map[string]string
}

// Store is the compiled quirk document plus the vendor-ID cache. The zero
// value is usable; call Load before any Lookup/Iter.
type Store struct {
	mu            sync.RWMutex
	groups        map[string]*group // guid string -> group
	possibleKeys  map[string]bool
	vendor        *vendordb.DB
	loadedDirs    []string
	loadedVendors []string
}

// New returns an empty Store. vendorCachePath is the SQLite cache file
// (spec §6: "${cachedir}/fwupd/quirks.db"); pass "" to disable the
// vendor-ID backend entirely.
func New(vendorCachePath string) (*Store, error) {
	s := &Store{
		groups:       make(map[string]*group),
		possibleKeys: make(map[string]bool),
	}
	if vendorCachePath != "" {
		db, err := vendordb.Open(vendorCachePath)
		if err != nil {
			return nil, err
		}
		s.vendor = db
	}
	return s, nil
}

// RegisterPossibleKey records a key name as known-used, so unrecognized
// keys in a quirk file can (eventually) be flagged without ever being
// treated as fatal (spec §4.1 "Unknown keys in files do not prevent other
// keys in the same group from being applied").
func (s *Store) RegisterPossibleKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.possibleKeys == nil {
		s.possibleKeys = make(map[string]bool)
	}
	s.possibleKeys[key] = true
}

// Load scans each directory in dirs for *.quirk files, sorted
// lexicographically, and compiles them into a single indexed document.
// Later files' groups for the same GUID overlay (not replace) earlier
// ones: value-by-value, later wins.
func (s *Store) Load(dirs []string) error {
	groups := make(map[string]*group)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		var files []string
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".quirk") {
				continue
			}
			files = append(files, e.Name())
		}
		sort.Strings(files)
		for _, name := range files {
			if err := loadFile(filepath.Join(dir, name), groups); err != nil {
				quirkLog.WithError(err).WithField("file", name).Warn("failed to load quirk file")
			}
		}
	}

	s.mu.Lock()
	s.groups = groups
	s.loadedDirs = append([]string{}, dirs...)
	s.mu.Unlock()
	return nil
}

func loadFile(path string, groups map[string]*group) error {
	cfg, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return err
	}
	for _, sec := range cfg.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection {
			continue
		}
		guid := name
		if !instanceid.IsValidUUID(name) {
			guid = instanceid.HashGUID(name).String()
		}
		g := groups[guid]
		if g == nil {
			g = &group{values: make(map[string]string)}
			groups[guid] = g
		}
		for _, key := range sec.KeyStrings() {
			value := sec.Key(key).String()
			if key == "Flags" && !flagsValueRe.MatchString(value) {
				quirkLog.WithField("file", path).WithField("value", value).
					Warn("Flags value contains characters outside [a-z0-9,~-]")
			}
			if _, exists := g.values[key]; !exists {
				g.keys = append(g.keys, key)
			}
			g.values[key] = value
		}
	}
	return nil
}

// Watch starts an fsnotify watch on every directory previously passed to
// Load and recompiles the document on any change event, debounced to
// one reload per batch of events. The returned *Watcher's Reloaded
// channel receives a value after each successful reload, and
// Watcher.Close stops watching; the Reloaded channel itself is never
// closed. This is ambient infra named but not detailed by spec §9
// ("loaders watch directories via a filesystem-change abstraction").
func (s *Store) Watch() (*Watcher, error) {
	s.mu.RLock()
	dirs := append([]string{}, s.loadedDirs...)
	s.mu.RUnlock()

	return newWatcher(s, dirs)
}

// Lookup resolves (guid, key): the vendor-ID SQLite cache is tried first,
// then the compiled INI document, matching spec §4.1's documented
// ordering. Invalid input or a miss on both backends returns ("", false)
// silently, never an error (spec: "invalid-argument/not-found is
// silently None").
func (s *Store) Lookup(guid, key string) (string, bool) {
	if !instanceid.IsValidUUID(guid) {
		return "", false
	}
	if s.vendor != nil {
		if v, ok := s.vendor.Lookup(guid, key); ok {
			return v, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[guid]
	if !ok {
		return "", false
	}
	v, ok := g.values[key]
	return v, ok
}

// IterFunc receives one matching value per call during Iter.
type IterFunc func(source Source, key, value string)

// Iter emits every value known for guid from both backends, optionally
// restricted to a single key. Order is unspecified beyond: SQL results
// before XML results, per Lookup's own precedence.
func (s *Store) Iter(guid string, key *string, cb IterFunc) {
	if !instanceid.IsValidUUID(guid) {
		return
	}
	if s.vendor != nil {
		s.vendor.Iter(guid, key, func(k, v string) {
			cb(SourceSQL, k, v)
		})
	}
	s.mu.RLock()
	g, ok := s.groups[guid]
	s.mu.RUnlock()
	if !ok {
		return
	}
	for _, k := range g.keys {
		if key != nil && k != *key {
			continue
		}
		cb(SourceXML, k, g.values[k])
	}
}

// RefreshVendorDB rebuilds the SQLite vendor-ID cache from the given
// usb.ids/pci.ids/pnp.ids/oui.txt-style files, skipping the rebuild when
// the composite mtime of vendorFiles matches the cache's stored key
// (spec §4.1 "Cache is invalidated by mtime concatenation mismatch").
func (s *Store) RefreshVendorDB(vendorFiles []string) error {
	if s.vendor == nil {
		return nil
	}
	if err := s.vendor.Refresh(vendorFiles); err != nil {
		return err
	}
	s.mu.Lock()
	s.loadedVendors = append([]string{}, vendorFiles...)
	s.mu.Unlock()
	return nil
}

// Close releases the vendor-ID cache's underlying SQLite connection.
func (s *Store) Close() error {
	if s.vendor != nil {
		return s.vendor.Close()
	}
	return nil
}

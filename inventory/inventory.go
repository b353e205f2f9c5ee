// Package inventory reads the CA's inventory.txt, the append-only log of
// issued certificates. Each line records one issuance:
//
//	0x0002 2020-01-01T00:00:00UTC 2025-01-01T00:00:00UTC /CN=node.example.com
//
// A certname renewed over time appears on several lines. The last line for a
// name holds its current serial; every earlier line holds an old serial.
package inventory

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/jmcleod/caadm/pki"
)

const cnMarker = "/CN="

// timeLayouts are tried in order when parsing validity timestamps.
var timeLayouts = []string{
	"2006-01-02T15:04:05UTC",
	"2006-01-02T15:04:05MST",
	time.RFC3339,
}

// Record is one issuance event.
type Record struct {
	Serial    *big.Int
	NotBefore time.Time
	NotAfter  time.Time
	Certname  string
	// Line is the 1-based line number the record was read from.
	Line int
}

// Expired reports whether the record's validity ended before now.
func (r Record) Expired(now time.Time) bool {
	return r.NotAfter.Before(now)
}

// Inventory indexes records by certname and by serial.
type Inventory struct {
	names   []string
	byName  map[string][]Record
	current map[string]string
	old     map[string][]string
	records int
}

// New returns an empty inventory.
func New() *Inventory {
	return &Inventory{
		byName:  make(map[string][]Record),
		current: make(map[string]string),
		old:     make(map[string][]string),
	}
}

// Parse reads inventory lines from r. Malformed lines are logged at warn
// level and skipped; only read errors are returned.
func Parse(r io.Reader, logger *slog.Logger) (*Inventory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	inv := New()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			logger.Warn("skipping malformed inventory line", "line", lineNo, "error", err)
			continue
		}
		rec.Line = lineNo
		inv.add(rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}
	inv.index()
	return inv, nil
}

func parseLine(line string) (Record, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return Record{}, fmt.Errorf("expected 4 fields, got %d", len(fields))
	}
	serial, err := pki.ParseSerial(fields[0])
	if err != nil {
		return Record{}, err
	}
	notBefore, err := parseTime(fields[1])
	if err != nil {
		return Record{}, fmt.Errorf("not before: %w", err)
	}
	notAfter, err := parseTime(fields[2])
	if err != nil {
		return Record{}, fmt.Errorf("not after: %w", err)
	}
	idx := strings.LastIndex(fields[3], cnMarker)
	if idx < 0 {
		return Record{}, fmt.Errorf("subject %q has no %s component", fields[3], cnMarker)
	}
	name := fields[3][idx+len(cnMarker):]
	if name == "" || strings.Contains(name, "/") {
		return Record{}, fmt.Errorf("subject %q does not end in a certname", fields[3])
	}
	return Record{
		Serial:    serial,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Certname:  name,
	}, nil
}

func parseTime(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func (inv *Inventory) add(rec Record) {
	if _, ok := inv.byName[rec.Certname]; !ok {
		inv.names = append(inv.names, rec.Certname)
	}
	inv.byName[rec.Certname] = append(inv.byName[rec.Certname], rec)
	inv.records++
}

// index rebuilds the serial lookups after all records are added.
func (inv *Inventory) index() {
	clear(inv.current)
	clear(inv.old)
	for _, name := range inv.names {
		recs := inv.byName[name]
		for _, rec := range recs[:len(recs)-1] {
			key := pki.SerialKey(rec.Serial)
			inv.old[key] = appendUnique(inv.old[key], name)
		}
		inv.current[pki.SerialKey(recs[len(recs)-1].Serial)] = name
	}
}

func appendUnique(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append(names, name)
}

// Empty reports whether the inventory holds no records.
func (inv *Inventory) Empty() bool { return inv.records == 0 }

// Len returns the number of records.
func (inv *Inventory) Len() int { return inv.records }

// Certnames returns every certname in order of first appearance.
func (inv *Inventory) Certnames() []string {
	out := make([]string, len(inv.names))
	copy(out, inv.names)
	return out
}

// Has reports whether name has at least one record.
func (inv *Inventory) Has(name string) bool {
	_, ok := inv.byName[name]
	return ok
}

// Records returns name's history, oldest first.
func (inv *Inventory) Records(name string) []Record {
	recs := inv.byName[name]
	out := make([]Record, len(recs))
	copy(out, recs)
	return out
}

// Current returns the most recent record for name.
func (inv *Inventory) Current(name string) (Record, bool) {
	recs := inv.byName[name]
	if len(recs) == 0 {
		return Record{}, false
	}
	return recs[len(recs)-1], true
}

// CertnameForCurrent returns the certname whose current serial is serial.
func (inv *Inventory) CertnameForCurrent(serial *big.Int) (string, bool) {
	name, ok := inv.current[pki.SerialKey(serial)]
	return name, ok
}

// CertnamesForOld returns the certnames that held serial before a renewal.
func (inv *Inventory) CertnamesForOld(serial *big.Int) []string {
	names := inv.old[pki.SerialKey(serial)]
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Package geoip resolves backend server addresses to ISO country codes from
// MaxMind MMDB databases.
package geoip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang/v2"
)

const downloadTimeout = 2 * time.Minute

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Source describes one database: a local path or an http(s) URL.
type Source struct {
	Name    string
	Path    string
	Refresh time.Duration
}

// DB is one MMDB database that can be swapped in place on refresh.
type DB struct {
	src    Source
	client *http.Client
	logger *slog.Logger

	mu     sync.RWMutex
	reader *maxminddb.Reader
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func (db *DB) load(ctx context.Context) error {
	path := db.src.Path
	if isURL(path) {
		tmp, err := db.download(ctx)
		if err != nil {
			return err
		}
		// The reader keeps its own mapping, the file can go.
		defer os.Remove(tmp)
		path = tmp
	}

	reader, err := maxminddb.Open(path)
	if err != nil {
		return fmt.Errorf("geoip: opening %s: %w", db.src.Name, err)
	}

	db.mu.Lock()
	old := db.reader
	db.reader = reader
	db.mu.Unlock()
	if old != nil {
		old.Close()
	}

	db.logger.Info("geoip: database loaded",
		"name", db.src.Name, "source", db.src.Path, "type", reader.Metadata.DatabaseType)
	return nil
}

func (db *DB) download(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, db.src.Path, nil)
	if err != nil {
		return "", fmt.Errorf("geoip: %s: %w", db.src.Name, err)
	}
	resp, err := db.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("geoip: downloading %s: %w", db.src.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geoip: downloading %s: HTTP %d", db.src.Name, resp.StatusCode)
	}

	f, err := os.CreateTemp("", "geoip-*.mmdb")
	if err != nil {
		return "", fmt.Errorf("geoip: %s: %w", db.src.Name, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("geoip: writing %s: %w", db.src.Name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("geoip: writing %s: %w", db.src.Name, err)
	}
	return f.Name(), nil
}

// LookupCountry returns the ISO code for addr, or "" when unknown.
func (db *DB) LookupCountry(addr netip.Addr) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.reader == nil {
		return ""
	}

	var rec countryRecord
	if err := db.reader.Lookup(addr).Decode(&rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.reader == nil {
		return nil
	}
	err := db.reader.Close()
	db.reader = nil
	return err
}

// Manager holds named databases. The first one configured is the default.
// A nil *Manager is valid and knows no countries.
type Manager struct {
	dbs    map[string]*DB
	order  []*DB
	logger *slog.Logger
}

// NewManager loads every source. Any failure closes what was opened.
func NewManager(ctx context.Context, srcs []Source, logger *slog.Logger) (*Manager, error) {
	client := &http.Client{Timeout: downloadTimeout}
	m := &Manager{dbs: make(map[string]*DB), logger: logger}

	for _, src := range srcs {
		db := &DB{src: src, client: client, logger: logger}
		if err := db.load(ctx); err != nil {
			m.Close()
			return nil, err
		}
		m.dbs[src.Name] = db
		m.order = append(m.order, db)
	}
	return m, nil
}

// LookupCountry looks addr up in the named database, or the default one when
// name is empty.
func (m *Manager) LookupCountry(name string, addr netip.Addr) string {
	if m == nil || len(m.order) == 0 {
		return ""
	}
	db := m.order[0]
	if name != "" {
		db = m.dbs[name]
	}
	if db == nil {
		return ""
	}
	return db.LookupCountry(addr)
}

// Country returns the country code for a textual IP address in the default
// database. Hostnames and malformed input yield "".
func (m *Manager) Country(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return ""
	}
	return m.LookupCountry("", addr.Unmap())
}

// StartRefresh reloads databases that have a refresh interval until ctx is
// done.
func (m *Manager) StartRefresh(ctx context.Context) {
	if m == nil {
		return
	}
	for _, db := range m.order {
		if db.src.Refresh <= 0 {
			continue
		}
		go func() {
			ticker := time.NewTicker(db.src.Refresh)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := db.load(ctx); err != nil {
						m.logger.Error("geoip: reload failed", "name", db.src.Name, "err", err)
					}
				}
			}
		}()
	}
}

func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	var first error
	for _, db := range m.order {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

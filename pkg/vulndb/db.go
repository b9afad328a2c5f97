// Package vulndb holds the vulnerability reference set that fingerprinted
// components are checked against.
package vulndb

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	version "github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

//go:embed data/wordpress.yaml
var defaultData []byte

type Kind string

const (
	KindCore   Kind = "core"
	KindPlugin Kind = "plugin"
	KindTheme  Kind = "theme"
)

type Vulnerability struct {
	ID         string         `yaml:"id" json:"id"`
	Title      string         `yaml:"title" json:"title"`
	Severity   types.Severity `yaml:"severity" json:"severity"`
	CVSS       float64        `yaml:"cvss" json:"cvss,omitempty"`
	Introduced string         `yaml:"introduced" json:"introduced,omitempty"`
	FixedIn    string         `yaml:"fixed_in" json:"fixed_in,omitempty"`
	// LastAffected is used when no fixed release exists or the fix is not a clean successor.
	LastAffected string   `yaml:"last_affected" json:"last_affected,omitempty"`
	Published    string   `yaml:"published" json:"published,omitempty"`
	References   []string `yaml:"references" json:"references,omitempty"`

	introduced   *version.Version
	fixedIn      *version.Version
	lastAffected *version.Version
}

type Component struct {
	Name            string          `yaml:"name"`
	LatestVersion   string          `yaml:"latest_version"`
	RESTNamespaces  []string        `yaml:"rest_namespaces"`
	Vulnerabilities []Vulnerability `yaml:"vulnerabilities"`
}

type document struct {
	Updated string               `yaml:"updated"`
	Core    Component            `yaml:"core"`
	Plugins map[string]Component `yaml:"plugins"`
	Themes  map[string]Component `yaml:"themes"`
}

// DB is immutable after Load and safe for concurrent use.
type DB struct {
	updated    string
	core       Component
	plugins    map[string]Component
	themes     map[string]Component
	namespaces map[string]string
	// roots maps the vendor part of a namespace ("litespeed") to a slug.
	roots map[string]string
}

// Match is the result of looking up one fingerprinted component.
type Match struct {
	// Known is false when the slug is not in the data set.
	Known           bool
	Name            string
	LatestVersion   string
	Vulnerabilities []Vulnerability
}

type Stats struct {
	Updated         string
	Plugins         int
	Themes          int
	Vulnerabilities int
}

// Default returns the embedded data set.
func Default() (*DB, error) {
	return Load(bytes.NewReader(defaultData))
}

func LoadFile(path string) (*DB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vulnerability data: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func Load(r io.Reader) (*DB, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode vulnerability data: %w", err)
	}

	db := &DB{
		updated:    doc.Updated,
		plugins:    make(map[string]Component, len(doc.Plugins)),
		themes:     make(map[string]Component, len(doc.Themes)),
		namespaces: make(map[string]string),
		roots:      make(map[string]string),
	}

	core, err := prepare("core", doc.Core)
	if err != nil {
		return nil, err
	}
	if core.Name == "" {
		core.Name = "WordPress"
	}
	db.core = core

	for slug, c := range doc.Plugins {
		prepared, err := prepare("plugin "+slug, c)
		if err != nil {
			return nil, err
		}
		db.plugins[slug] = prepared
		for _, ns := range prepared.RESTNamespaces {
			ns = strings.ToLower(strings.Trim(ns, "/"))
			db.namespaces[ns] = slug
			root := namespaceRoot(ns)
			if existing, ok := db.roots[root]; !ok || slug < existing {
				db.roots[root] = slug
			}
		}
	}
	for slug, c := range doc.Themes {
		prepared, err := prepare("theme "+slug, c)
		if err != nil {
			return nil, err
		}
		db.themes[slug] = prepared
	}

	return db, nil
}

func prepare(label string, c Component) (Component, error) {
	if c.LatestVersion != "" {
		if _, err := version.NewVersion(c.LatestVersion); err != nil {
			return c, fmt.Errorf("%s: latest_version %q: %w", label, c.LatestVersion, err)
		}
	}

	vulns := make([]Vulnerability, 0, len(c.Vulnerabilities))
	for _, v := range c.Vulnerabilities {
		if v.ID == "" {
			return c, fmt.Errorf("%s: vulnerability without id", label)
		}

		switch {
		case v.Severity != "":
			sev, ok := types.ParseSeverity(string(v.Severity))
			if !ok {
				return c, fmt.Errorf("%s: %s: unknown severity %q", label, v.ID, v.Severity)
			}
			v.Severity = sev
		case v.CVSS > 0:
			v.Severity = SeverityFromCVSS(v.CVSS)
		default:
			return c, fmt.Errorf("%s: %s: severity or cvss is required", label, v.ID)
		}

		var err error
		if v.introduced, err = parseBound(v.Introduced); err != nil {
			return c, fmt.Errorf("%s: %s: introduced: %w", label, v.ID, err)
		}
		if v.fixedIn, err = parseBound(v.FixedIn); err != nil {
			return c, fmt.Errorf("%s: %s: fixed_in: %w", label, v.ID, err)
		}
		if v.lastAffected, err = parseBound(v.LastAffected); err != nil {
			return c, fmt.Errorf("%s: %s: last_affected: %w", label, v.ID, err)
		}
		vulns = append(vulns, v)
	}
	c.Vulnerabilities = vulns
	return c, nil
}

func parseBound(s string) (*version.Version, error) {
	if s == "" {
		return nil, nil
	}
	return version.NewVersion(s)
}

// SeverityFromCVSS maps a CVSS v3 base score to a severity band.
func SeverityFromCVSS(score float64) types.Severity {
	switch {
	case score >= 9.0:
		return types.SeverityCritical
	case score >= 7.0:
		return types.SeverityHigh
	case score >= 4.0:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

// Affects reports whether installed falls inside the vulnerable range.
func (v Vulnerability) Affects(installed *version.Version) bool {
	if installed == nil {
		return false
	}
	if v.introduced != nil && installed.LessThan(v.introduced) {
		return false
	}
	if v.fixedIn != nil && !installed.LessThan(v.fixedIn) {
		return false
	}
	if v.lastAffected != nil && installed.GreaterThan(v.lastAffected) {
		return false
	}
	return true
}

// Lookup returns metadata for the component and the advisories affecting
// installedVersion. An unknown or unparsable version never matches.
func (db *DB) Lookup(kind Kind, slug, installedVersion string) Match {
	var (
		c  Component
		ok bool
	)
	switch kind {
	case KindCore:
		c, ok = db.core, true
	case KindPlugin:
		c, ok = db.plugins[slug]
	case KindTheme:
		c, ok = db.themes[slug]
	}
	if !ok {
		return Match{}
	}

	match := Match{Known: true, Name: c.Name, LatestVersion: c.LatestVersion}

	if installedVersion == "" || installedVersion == types.UnknownVersion {
		return match
	}
	installed, err := version.NewVersion(installedVersion)
	if err != nil {
		return match
	}
	for _, v := range c.Vulnerabilities {
		if v.Affects(installed) {
			match.Vulnerabilities = append(match.Vulnerabilities, v)
		}
	}
	return match
}

// SlugForNamespace maps a REST namespace such as "contact-form-7/v1" to a plugin slug.
func (db *DB) SlugForNamespace(ns string) (string, bool) {
	ns = strings.ToLower(strings.Trim(ns, "/"))
	if slug, ok := db.namespaces[ns]; ok {
		return slug, true
	}
	slug, ok := db.roots[namespaceRoot(ns)]
	return slug, ok
}

func namespaceRoot(ns string) string {
	if i := strings.IndexByte(ns, '/'); i > 0 {
		return ns[:i]
	}
	return ns
}

// KnownSlugs lists plugin or theme slugs in sorted order.
func (db *DB) KnownSlugs(kind Kind) []string {
	var src map[string]Component
	switch kind {
	case KindPlugin:
		src = db.plugins
	case KindTheme:
		src = db.themes
	default:
		return nil
	}
	slugs := make([]string, 0, len(src))
	for slug := range src {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

func (db *DB) Stats() Stats {
	s := Stats{
		Updated:         db.updated,
		Plugins:         len(db.plugins),
		Themes:          len(db.themes),
		Vulnerabilities: len(db.core.Vulnerabilities),
	}
	for _, c := range db.plugins {
		s.Vulnerabilities += len(c.Vulnerabilities)
	}
	for _, c := range db.themes {
		s.Vulnerabilities += len(c.Vulnerabilities)
	}
	return s
}

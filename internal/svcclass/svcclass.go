// Package svcclass is the process-wide table of known Bluetooth service
// classes. The table is parsed once from an embedded YAML document and is
// never mutated afterwards.
package svcclass

import (
	_ "embed"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/srg/btsvc/internal/svcerr"
	"gopkg.in/yaml.v3"
)

// BaseUUIDSuffix completes 16 and 32-bit short forms.
const BaseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

//go:embed classes.yaml
var classesYAML []byte

// Class describes one service class.
type Class struct {
	UUID    string `yaml:"uuid"`
	Name    string `yaml:"name"`
	Profile string `yaml:"profile,omitempty"`
}

var (
	loadOnce sync.Once
	byUUID   map[string]Class
	ordered  []Class
	loadErr  error
)

func load() {
	var raw []Class
	if err := yaml.Unmarshal(classesYAML, &raw); err != nil {
		loadErr = fmt.Errorf("parse service classes: %w", err)
		return
	}

	byUUID = make(map[string]Class, len(raw))
	ordered = make([]Class, 0, len(raw))
	for _, c := range raw {
		u, err := NormalizeUUID(c.UUID)
		if err != nil {
			loadErr = fmt.Errorf("service class %q: %w", c.Name, err)
			return
		}
		c.UUID = u
		byUUID[u] = c
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].UUID < ordered[j].UUID })
}

func table() map[string]Class {
	loadOnce.Do(load)
	if loadErr != nil {
		// The document is embedded, a parse failure is a build defect.
		panic(loadErr)
	}
	return byUUID
}

// Lookup returns the class for a UUID in any accepted form.
func Lookup(s string) (Class, bool) {
	u, err := NormalizeUUID(s)
	if err != nil {
		return Class{}, false
	}
	c, ok := table()[u]
	return c, ok
}

// Name returns the class name, or "" when the UUID is unknown.
func Name(s string) string {
	c, _ := Lookup(s)
	return c.Name
}

// All returns every class ordered by UUID. The slice is a copy.
func All() []Class {
	table()
	return append([]Class(nil), ordered...)
}

// NormalizeUUID returns the canonical lowercase 128-bit form of s. It accepts
// 16 and 32-bit short forms (optionally prefixed with 0x), and 128-bit UUIDs
// with or without dashes or braces.
func NormalizeUUID(s string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "0x")
	v = strings.Trim(v, "{}")

	switch len(v) {
	case 4, 8:
		if _, err := hex.DecodeString(v); err != nil {
			return "", svcerr.New(svcerr.PayloadDecodeFailed, "invalid short uuid %q", s)
		}
		return strings.Repeat("0", 8-len(v)) + v + BaseUUIDSuffix, nil
	}

	u, err := uuid.Parse(v)
	if err != nil {
		return "", svcerr.Wrap(svcerr.PayloadDecodeFailed, err, fmt.Sprintf("invalid uuid %q", s))
	}
	return u.String(), nil
}

// Short returns the 16-bit form of a SIG-based UUID, or "" if s is not one.
func Short(s string) string {
	u, err := NormalizeUUID(s)
	if err != nil || !strings.HasSuffix(u, BaseUUIDSuffix) || !strings.HasPrefix(u, "0000") {
		return ""
	}
	return u[4:8]
}

package config

import (
	"errors"
	"fmt"
	"strings"
)

const permissionPolicySchemaVersionV1 = 1

// PermissionPolicy caps what the builtin tools may do.
//
// Read covers tab listing and page reads, Write covers tab and preview
// mutations, Execute covers run_command.
type PermissionPolicy struct {
	SchemaVersion int `json:"schema_version" yaml:"schema_version" toml:"schema_version"`

	// LocalMax is the global cap. It must be present for schema_version=1.
	LocalMax *PermissionSet `json:"local_max" yaml:"local_max" toml:"local_max"`

	// ByThread is an optional per-thread cap. It can only further reduce LocalMax.
	ByThread map[string]*PermissionSet `json:"by_thread,omitempty" yaml:"by_thread,omitempty" toml:"by_thread,omitempty"`
}

type PermissionSet struct {
	Read    bool `json:"read" yaml:"read" toml:"read"`
	Write   bool `json:"write" yaml:"write" toml:"write"`
	Execute bool `json:"execute" yaml:"execute" toml:"execute"`
}

// Allows reports whether the set grants the named permission
// ("read", "write" or "execute"). Unknown names are denied.
func (p PermissionSet) Allows(permission string) bool {
	switch strings.ToLower(strings.TrimSpace(permission)) {
	case "read":
		return p.Read
	case "write":
		return p.Write
	case "execute":
		return p.Execute
	default:
		return false
	}
}

func (p PermissionSet) Intersect(other PermissionSet) PermissionSet {
	return PermissionSet{
		Read:    p.Read && other.Read,
		Write:   p.Write && other.Write,
		Execute: p.Execute && other.Execute,
	}
}

func defaultPermissionSet() PermissionSet {
	// Default: allow all RWX capabilities out of the box.
	return PermissionSet{Read: true, Write: true, Execute: true}
}

func defaultPermissionPolicy() *PermissionPolicy {
	d := defaultPermissionSet()
	return &PermissionPolicy{
		SchemaVersion: permissionPolicySchemaVersionV1,
		LocalMax:      &d,
	}
}

func (p *PermissionPolicy) Validate() error {
	if p == nil {
		return nil
	}
	if p.SchemaVersion != permissionPolicySchemaVersionV1 {
		return fmt.Errorf("unsupported schema_version: %d", p.SchemaVersion)
	}
	if p.LocalMax == nil {
		return errors.New("missing local_max")
	}
	return nil
}

// ResolveCap returns the cap to apply for the given thread:
// LocalMax, intersected with by_thread[threadID] if present.
func (p *PermissionPolicy) ResolveCap(threadID string) PermissionSet {
	if p == nil || p.LocalMax == nil {
		return defaultPermissionSet()
	}
	cap := *p.LocalMax

	threadID = strings.TrimSpace(threadID)
	if threadID != "" && p.ByThread != nil {
		if t := p.ByThread[threadID]; t != nil {
			cap = cap.Intersect(*t)
		}
	}
	return cap
}

func ParsePermissionPolicyPreset(preset string) (*PermissionPolicy, error) {
	p := strings.ToLower(strings.TrimSpace(preset))
	p = strings.ReplaceAll(p, "-", "_")

	switch p {
	case "":
		return defaultPermissionPolicy(), nil
	case "execute_read":
		s := PermissionSet{Read: true, Write: false, Execute: true}
		return &PermissionPolicy{SchemaVersion: permissionPolicySchemaVersionV1, LocalMax: &s}, nil
	case "read_only":
		s := PermissionSet{Read: true, Write: false, Execute: false}
		return &PermissionPolicy{SchemaVersion: permissionPolicySchemaVersionV1, LocalMax: &s}, nil
	case "execute_read_write":
		s := PermissionSet{Read: true, Write: true, Execute: true}
		return &PermissionPolicy{SchemaVersion: permissionPolicySchemaVersionV1, LocalMax: &s}, nil
	default:
		return nil, fmt.Errorf("unknown permission policy preset: %q", preset)
	}
}

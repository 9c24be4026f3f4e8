// Package manifest parses and validates the manifest.json descriptor of an
// MPK package.
package manifest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/cordum/mpk/core/infra/schema"
	"github.com/cordum/mpk/core/mpk/mpkerr"
	"github.com/cordum/mpk/core/mpk/version"
)

// FileName is the manifest location at the archive root.
const FileName = "manifest.json"

// CodeType identifies the runtime an entry point is written for.
type CodeType string

const (
	CodeJavaScript CodeType = "javascript"
	CodePython     CodeType = "python"
	CodeBinary     CodeType = "binary"
)

// Valid reports whether c is a recognised code type.
func (c CodeType) Valid() bool {
	switch c {
	case CodeJavaScript, CodePython, CodeBinary:
		return true
	}
	return false
}

// KnownPermissions is the capability set understood by the package runtime.
var KnownPermissions = []string{"file.read", "file.write", "network", "process", "system"}

// Manifest describes one package.
type Manifest struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Version            string   `json:"version"`
	VersionCode        int      `json:"version_code,omitempty"`
	Description        string   `json:"description,omitempty"`
	Author             string   `json:"author,omitempty"`
	Platform           string   `json:"platform,omitempty"`
	MinPlatformVersion string   `json:"min_platform_version,omitempty"`
	CodeType           CodeType `json:"code_type"`
	EntryPoint         string   `json:"entry_point"`
	Permissions        []string `json:"permissions,omitempty"`
	Icon               string   `json:"icon,omitempty"`
}

//go:embed manifest.schema.json
var schemaJSON []byte

var (
	manifestSchema = schema.MustCompile("mpk-manifest", schemaJSON)
	idPattern      = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)
)

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	if err := manifestSchema.Validate(data); err != nil {
		return nil, mpkerr.New(mpkerr.ErrManifestValidation, "parse manifest", "", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, mpkerr.New(mpkerr.ErrManifestValidation, "parse manifest", "", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required fields and path safety. An empty permission
// list is normalized to nil, which is how it decodes after marshaling.
func (m *Manifest) Validate() error {
	fail := func(format string, args ...any) error {
		subject := ""
		if m != nil {
			subject = m.ID
		}
		return mpkerr.Errorf(mpkerr.ErrManifestValidation, "validate manifest", subject, fmt.Sprintf(format, args...))
	}
	if m == nil {
		return fail("manifest is nil")
	}
	if strings.TrimSpace(m.ID) == "" {
		return fail("id is required")
	}
	if !idPattern.MatchString(m.ID) {
		return fail("invalid id %q", m.ID)
	}
	if strings.TrimSpace(m.Name) == "" {
		return fail("name is required")
	}
	if strings.TrimSpace(m.Version) == "" {
		return fail("version is required")
	}
	if m.VersionCode < 0 {
		return fail("version_code must be non-negative")
	}
	if !m.CodeType.Valid() {
		return fail("unsupported code_type %q", m.CodeType)
	}
	if strings.TrimSpace(m.EntryPoint) == "" {
		return fail("entry_point is required")
	}
	if !isRelative(m.EntryPoint) {
		return fail("entry_point %q must be a relative path inside the package", m.EntryPoint)
	}
	if m.Icon != "" && !isRelative(m.Icon) {
		return fail("icon %q must be a relative path inside the package", m.Icon)
	}
	if m.MinPlatformVersion != "" && !version.Valid(m.MinPlatformVersion) {
		return fail("invalid min_platform_version %q", m.MinPlatformVersion)
	}
	if len(m.Permissions) == 0 {
		m.Permissions = nil
	}
	seen := make(map[string]struct{}, len(m.Permissions))
	for _, p := range m.Permissions {
		if strings.TrimSpace(p) == "" {
			return fail("empty permission")
		}
		if _, dup := seen[p]; dup {
			return fail("duplicate permission %q", p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// EntryPath returns the cleaned entry point, slash separated.
func (m *Manifest) EntryPath() string {
	return path.Clean(strings.ReplaceAll(m.EntryPoint, `\`, "/"))
}

// HasPermission reports whether the manifest requests perm.
func (m *Manifest) HasPermission(perm string) bool {
	return slices.Contains(m.Permissions, perm)
}

// Marshal renders the manifest as indented JSON.
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// CheckPermissions rejects permissions outside allowed. An empty allow list
// accepts everything.
func CheckPermissions(m *Manifest, allowed []string) error {
	if m == nil || len(allowed) == 0 {
		return nil
	}
	for _, p := range m.Permissions {
		if !slices.Contains(allowed, p) {
			return mpkerr.Errorf(mpkerr.ErrManifestValidation, "check permissions", m.ID, fmt.Sprintf("permission %q not allowed", p))
		}
	}
	return nil
}

func isRelative(p string) bool {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	if p == "" || strings.HasPrefix(p, "/") || (len(p) >= 2 && p[1] == ':') {
		return false
	}
	clean := path.Clean(p)
	return clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}

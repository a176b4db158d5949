// Package archive parses the binary package-archive format: an outer tar
// container holding a VERSION marker, a metadata entry, a CHECKSUM entry,
// and the compressed inner archive with the actual source files.
package archive

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/klauspost/compress/gzip"
)

// FormatVersion is the only recognized archive format version.
const FormatVersion = "3"

// Entry names inside the outer container.
const (
	entryVersion  = "VERSION"
	entryMetadata = "metadata"
	entryChecksum = "CHECKSUM"
	entryContents = "contents"
)

// Archive validation failures.
var (
	ErrInvalid            = errors.New("invalid archive")
	ErrUnsupportedVersion = errors.New("unsupported archive format version")
	ErrChecksumMismatch   = errors.New("archive checksum mismatch")
)

// Requirement is one dependency declared in the archive metadata.
type Requirement struct {
	Requirement string
	Optional    bool
}

// Package is the decoded form of an archive. Contents holds the compressed
// inner archive exactly as received; callers must serve those bytes
// byte-identically on download.
type Package struct {
	Name         string
	Version      string
	App          string
	Metadata     map[string]any
	Requirements map[string]Requirement
	Files        []string
	Contents     []byte
	Checksum     string
}

// Decode parses and validates raw archive bytes. wantName and wantVersion
// must match the metadata's declared name and version; pass "" to skip
// that check.
func Decode(raw []byte, wantName, wantVersion string) (*Package, error) {
	entries, err := readOuter(raw)
	if err != nil {
		return nil, err
	}

	version, ok := entries[entryVersion]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s entry", ErrInvalid, entryVersion)
	}
	if v := trimPadding(version); v != FormatVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, v)
	}

	contents, ok := entries[entryContents]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s entry", ErrInvalid, entryContents)
	}
	checksum, ok := entries[entryChecksum]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s entry", ErrInvalid, entryChecksum)
	}
	// The digest covers the compressed inner archive bytes, not the outer
	// container.
	sum := sha256.Sum256(contents)
	want := trimPadding(checksum)
	if hex.EncodeToString(sum[:]) != want {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch,
			want, hex.EncodeToString(sum[:]))
	}

	metaRaw, ok := entries[entryMetadata]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s entry", ErrInvalid, entryMetadata)
	}
	meta, err := decodeMetadata(metaRaw)
	if err != nil {
		return nil, err
	}

	pkg := &Package{
		Metadata: meta,
		Contents: contents,
		Checksum: want,
	}
	if pkg.Name, err = requireString(meta, "name"); err != nil {
		return nil, err
	}
	if pkg.Version, err = requireString(meta, "version"); err != nil {
		return nil, err
	}
	if pkg.App, err = requireString(meta, "app"); err != nil {
		return nil, err
	}
	if _, err := semver.StrictNewVersion(pkg.Version); err != nil {
		return nil, fmt.Errorf("%w: malformed version %q", ErrInvalid, pkg.Version)
	}
	if wantName != "" && pkg.Name != wantName {
		return nil, fmt.Errorf("%w: archive is for %q, not %q", ErrInvalid, pkg.Name, wantName)
	}
	if wantVersion != "" && pkg.Version != wantVersion {
		return nil, fmt.Errorf("%w: archive is version %q, not %q", ErrInvalid, pkg.Version, wantVersion)
	}

	pkg.Requirements = decodeRequirements(meta)
	if pkg.Files, err = listContents(contents); err != nil {
		return nil, err
	}
	return pkg, nil
}

// Encode builds an archive from metadata and an inner contents tarball
// (tar gzip). The server never re-encodes published archives; this exists
// for clients and tests.
func Encode(meta map[string]any, contents []byte) ([]byte, error) {
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	sum := sha256.Sum256(contents)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	entries := []struct {
		name string
		data []byte
	}{
		{entryVersion, []byte(FormatVersion)},
		{entryMetadata, metaRaw},
		{entryChecksum, []byte(hex.EncodeToString(sum[:]))},
		{entryContents, contents},
	}
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write %s header: %w", e.name, err)
		}
		if _, err := tw.Write(e.data); err != nil {
			return nil, fmt.Errorf("failed to write %s entry: %w", e.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	return buf.Bytes(), nil
}

func readOuter(raw []byte) (map[string][]byte, error) {
	entries := make(map[string][]byte)
	tr := tar.NewReader(bytes.NewReader(raw))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: not a tar container: %v", ErrInvalid, err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated entry %s: %v", ErrInvalid, hdr.Name, err)
		}
		entries[hdr.Name] = data
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: empty container", ErrInvalid)
	}
	return entries, nil
}

// trimPadding strips the fixed-width padding of marker entries.
func trimPadding(b []byte) string {
	return strings.TrimRight(string(b), "\x00 \n")
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: malformed metadata: %v", ErrInvalid, err)
	}
	return meta, nil
}

func requireString(meta map[string]any, field string) (string, error) {
	v, ok := meta[field].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: metadata missing %q", ErrInvalid, field)
	}
	return v, nil
}

// decodeRequirements pulls the dependency map out of the metadata. Entries
// that do not look like requirement maps are skipped rather than rejected;
// the metadata map permits arbitrary nesting.
func decodeRequirements(meta map[string]any) map[string]Requirement {
	raw, ok := meta["requirements"].(map[string]any)
	if !ok {
		return nil
	}
	reqs := make(map[string]Requirement, len(raw))
	for name, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		req := Requirement{}
		if s, ok := m["requirement"].(string); ok {
			req.Requirement = s
		}
		if opt, ok := m["optional"].(bool); ok {
			req.Optional = opt
		}
		reqs[name] = req
	}
	return reqs
}

// listContents decompresses the inner archive and returns its file names.
func listContents(contents []byte) ([]string, error) {
	gz, err := gzip.NewReader(bytes.NewReader(contents))
	if err != nil {
		return nil, fmt.Errorf("%w: contents not gzip: %v", ErrInvalid, err)
	}
	defer gz.Close()

	var files []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: malformed contents tar: %v", ErrInvalid, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			files = append(files, hdr.Name)
		}
	}
	return files, nil
}

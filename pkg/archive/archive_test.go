package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildContents packs files into a tar.gz inner archive.
func buildContents(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(body))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func testMeta() map[string]any {
	return map[string]any{
		"name":        "demo",
		"version":     "1.0.0",
		"app":         "demo",
		"description": "a demo package",
		"requirements": map[string]any{
			"toolkit": map[string]any{"requirement": "~> 2.0", "optional": false},
			"extras":  map[string]any{"requirement": ">= 0.1.0", "optional": true},
		},
	}
}

func TestDecode(t *testing.T) {
	contents := buildContents(t, map[string]string{
		"lib/demo.ex": "defmodule Demo do end",
		"mix.exs":     "project",
	})
	raw, err := Encode(testMeta(), contents)
	require.NoError(t, err)

	pkg, err := Decode(raw, "demo", "1.0.0")
	require.NoError(t, err)

	assert.Equal(t, "demo", pkg.Name)
	assert.Equal(t, "1.0.0", pkg.Version)
	assert.Equal(t, "demo", pkg.App)
	assert.Equal(t, contents, pkg.Contents)
	assert.ElementsMatch(t, []string{"lib/demo.ex", "mix.exs"}, pkg.Files)
	assert.Len(t, pkg.Checksum, 64)

	require.Contains(t, pkg.Requirements, "toolkit")
	assert.Equal(t, "~> 2.0", pkg.Requirements["toolkit"].Requirement)
	assert.False(t, pkg.Requirements["toolkit"].Optional)
	assert.True(t, pkg.Requirements["extras"].Optional)
}

func TestDecodeChecksumMismatch(t *testing.T) {
	contents := buildContents(t, map[string]string{"a": "b"})
	raw, err := Encode(testMeta(), contents)
	require.NoError(t, err)

	// Flip one byte of the CHECKSUM entry without disturbing the tar
	// structure.
	idx := bytes.Index(raw, []byte(checksumOf(t, raw)))
	require.Greater(t, idx, 0)
	tampered := append([]byte(nil), raw...)
	if tampered[idx] == 'a' {
		tampered[idx] = 'b'
	} else {
		tampered[idx] = 'a'
	}

	_, err = Decode(tampered, "", "")
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

// checksumOf re-decodes the archive to recover its checksum entry.
func checksumOf(t *testing.T, raw []byte) string {
	t.Helper()
	pkg, err := Decode(raw, "", "")
	require.NoError(t, err)
	return pkg.Checksum
}

func TestDecodeMissingVersionEntry(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "metadata", Mode: 0644, Size: 2}))
	_, err := tw.Write([]byte("{}"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	_, err = Decode(buf.Bytes(), "", "")
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "VERSION")
}

// rewriteEntry rebuilds the outer tar with one entry's bytes replaced.
func rewriteEntry(t *testing.T, raw []byte, name string, replacement []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tr := tar.NewReader(bytes.NewReader(raw))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		if hdr.Name == name {
			data = replacement
			hdr.Size = int64(len(data))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err = tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	contents := buildContents(t, map[string]string{"a": "b"})
	raw, err := Encode(testMeta(), contents)
	require.NoError(t, err)

	_, err = Decode(rewriteEntry(t, raw, "VERSION", []byte("9")), "", "")
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodePaddedVersionMarker(t *testing.T) {
	contents := buildContents(t, map[string]string{"a": "b"})
	raw, err := Encode(testMeta(), contents)
	require.NoError(t, err)

	// Fixed-width writers pad the marker with NULs.
	padded := rewriteEntry(t, raw, "VERSION", []byte("3\x00\x00\x00"))
	pkg, err := Decode(padded, "demo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "demo", pkg.Name)
}

func TestDecodeNameMismatch(t *testing.T) {
	contents := buildContents(t, map[string]string{"a": "b"})
	raw, err := Encode(testMeta(), contents)
	require.NoError(t, err)

	_, err = Decode(raw, "other", "1.0.0")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Decode(raw, "demo", "2.0.0")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDecodeMissingMetadataFields(t *testing.T) {
	contents := buildContents(t, map[string]string{"a": "b"})
	for _, field := range []string{"name", "version", "app"} {
		meta := testMeta()
		delete(meta, field)
		raw, err := Encode(meta, contents)
		require.NoError(t, err)

		_, err = Decode(raw, "", "")
		assert.ErrorIs(t, err, ErrInvalid, "field %s", field)
	}
}

func TestDecodeMalformedSemver(t *testing.T) {
	contents := buildContents(t, map[string]string{"a": "b"})
	meta := testMeta()
	meta["version"] = "not-a-version"
	raw, err := Encode(meta, contents)
	require.NoError(t, err)

	_, err = Decode(raw, "", "")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDecodeNotATar(t *testing.T) {
	_, err := Decode([]byte("definitely not a tar archive"), "", "")
	assert.ErrorIs(t, err, ErrInvalid)
}

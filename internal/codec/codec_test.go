package codec

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Codec
		wantErr bool
	}{
		{"none", None, false},
		{"gzip", Gzip, false},
		{"xz", XZ, false},
		{"lz4", LZ4, false},
		{"zstd", None, true},
		{"", None, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestExt(t *testing.T) {
	assert.Equal(t, "", None.Ext())
	assert.Equal(t, ".gz", Gzip.Ext())
	assert.Equal(t, ".xz", XZ.Ext())
	assert.Equal(t, ".lz4", LZ4.Ext())
}

func TestFromName(t *testing.T) {
	tests := []struct {
		name string
		want Codec
	}{
		{"boot-partition-20240101-0101.tar.gz.gpg", Gzip},
		{"boot-partition-20240101-0101.tar.xz.age", XZ},
		{"zfs-rpool-20240101-0101.lz4.gpg", LZ4},
		{"zfs-rpool-20240101-0101.gpg", None},
		{"boot-partition-20240101-0101.tar.age", None},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FromName(tt.name), "name %s", tt.name)
	}
}

func TestAllStartsWithDefault(t *testing.T) {
	all := All()
	require.NotEmpty(t, all)
	assert.Equal(t, Gzip, all[0])
	assert.Contains(t, all, None)
}

func roundTrip(t *testing.T, c Codec, payload []byte) []byte {
	t.Helper()
	ctx := context.Background()

	var buf bytes.Buffer
	w, err := c.Compress(ctx, &buf)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := c.Decompress(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	return got
}

func TestGzipRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("zfs send stream data "), 1000)
	got := roundTrip(t, Gzip, payload)
	assert.Equal(t, payload, got)
}

func TestNoneRoundTrip(t *testing.T) {
	payload := []byte("uncompressed payload")
	got := roundTrip(t, None, payload)
	assert.Equal(t, payload, got)
}

func TestXZRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("xz"); err != nil {
		t.Skip("xz binary not available")
	}
	payload := bytes.Repeat([]byte("pool data "), 500)
	got := roundTrip(t, XZ, payload)
	assert.Equal(t, payload, got)
}

func TestLZ4RoundTrip(t *testing.T) {
	if _, err := exec.LookPath("lz4"); err != nil {
		t.Skip("lz4 binary not available")
	}
	payload := bytes.Repeat([]byte("pool data "), 500)
	got := roundTrip(t, LZ4, payload)
	assert.Equal(t, payload, got)
}

func TestGzipDecompressRejectsGarbage(t *testing.T) {
	_, err := Gzip.Decompress(context.Background(), bytes.NewReader([]byte("not gzip at all")))
	assert.Error(t, err)
}

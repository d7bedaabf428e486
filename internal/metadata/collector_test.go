package metadata

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector([]string{dir}, "/var/lib/pcap/out", "pcap")
	info := c.Collect()

	assert.NotEmpty(t, info.AgentVersion)
	assert.Len(t, info.MachineID, 64, "machine_id should be SHA-256 hex")
	assert.Len(t, info.SessionID, 36, "session_id should be a UUID")
	assert.NotEmpty(t, info.OSName)
	assert.NotEmpty(t, info.OSVersion)
	assert.NotEmpty(t, info.Architecture)
	assert.Equal(t, "/var/lib/pcap/out", info.OutputDirectory)
	require.Len(t, info.Storage, 1)
	assert.True(t, info.Storage[0].Readable)

	// Same process, same session
	assert.Equal(t, info.SessionID, c.Collect().SessionID)
}

func TestInspectStorage(t *testing.T) {
	dir := t.TempDir()
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.Add(time.Hour)

	for name, mt := range map[string]time.Time{"a.pcap": old, "b.pcap": recent} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("12345"), 0644))
		require.NoError(t, os.Chtimes(path, mt, mt))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	missing := filepath.Join(dir, "missing")
	got := InspectStorage([]string{dir, missing})
	require.Len(t, got, 2)

	assert.True(t, got[0].Readable)
	assert.Equal(t, 2, got[0].Files)
	assert.Equal(t, int64(10), got[0].Bytes)
	assert.True(t, old.Equal(got[0].Oldest))
	assert.True(t, recent.Equal(got[0].Newest))

	assert.False(t, got[1].Readable)
	assert.NotEmpty(t, got[1].Error)
	assert.Equal(t, missing, got[1].Path)

	assert.True(t, AnyReadable(got))
	assert.False(t, AnyReadable(got[1:]))
	assert.False(t, AnyReadable(nil))
}

func TestGenerateMachineID(t *testing.T) {
	id1 := generateMachineID()
	id2 := generateMachineID()
	assert.Equal(t, id1, id2, "machine_id should be stable")
	assert.Len(t, id1, 64)
}

func TestGetHostIPAddresses(t *testing.T) {
	ips := getHostIPAddresses()
	assert.LessOrEqual(t, len(ips), maxHostIPs)
	for _, ip := range ips {
		assert.NotContains(t, ip, "127.", "loopback must not be reported")
	}
}

func TestLinuxRelease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "os-release")

	require.NoError(t, os.WriteFile(path, []byte("NAME=\"Ubuntu\"\nVERSION=\"22.04.4 LTS (Jammy Jellyfish)\"\nID=ubuntu\n"), 0644))
	assert.Equal(t, "Ubuntu 22.04.4 LTS (Jammy Jellyfish)", linuxRelease(path))

	require.NoError(t, os.WriteFile(path, []byte("NAME=Alpine Linux\n"), 0644))
	assert.Equal(t, "Alpine Linux", linuxRelease(path))

	assert.Equal(t, "Linux", linuxRelease(filepath.Join(dir, "missing")))
}

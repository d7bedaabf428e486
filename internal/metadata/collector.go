// Package metadata describes the host the agent runs on and the state of its
// storage directories, for /info, the health probe and support bundles.
package metadata

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"EnigmaNetz/Enigma-PCAP-Retriever/internal/version"
)

// maxHostIPs caps the addresses reported for hosts with many interfaces
// (VPNs, container bridges).
const maxHostIPs = 10

// HostInfo is the /info payload.
type HostInfo struct {
	AgentVersion    string            `json:"agent_version"`
	MachineID       string            `json:"machine_id"`
	SessionID       string            `json:"session_id"`
	Hostname        string            `json:"hostname,omitempty"`
	OSName          string            `json:"os_name"`
	OSVersion       string            `json:"os_version"`
	Architecture    string            `json:"architecture"`
	HostIPs         []string          `json:"host_ips,omitempty"`
	OutputDirectory string            `json:"output_directory"`
	OutputFormat    string            `json:"output_format"`
	Storage         []DirectoryStatus `json:"storage"`
}

// DirectoryStatus is a snapshot of one storage directory.
type DirectoryStatus struct {
	Path     string    `json:"path"`
	Readable bool      `json:"readable"`
	Error    string    `json:"error,omitempty"`
	Files    int       `json:"files"`
	Bytes    int64     `json:"bytes"`
	Oldest   time.Time `json:"oldest,omitempty"`
	Newest   time.Time `json:"newest,omitempty"`
}

// Collector builds HostInfo. Static facts are gathered once; storage is
// re-read on every call.
type Collector struct {
	static      HostInfo
	directories []string
}

// NewCollector gathers the static host facts. The session id is fresh for
// every process.
func NewCollector(directories []string, outputDirectory, outputFormat string) *Collector {
	hostname, _ := os.Hostname()
	return &Collector{
		directories: directories,
		static: HostInfo{
			AgentVersion:    version.Version,
			MachineID:       generateMachineID(),
			SessionID:       uuid.New().String(),
			Hostname:        hostname,
			OSName:          runtime.GOOS,
			OSVersion:       getOSVersion(),
			Architecture:    runtime.GOARCH,
			HostIPs:         getHostIPAddresses(),
			OutputDirectory: outputDirectory,
			OutputFormat:    outputFormat,
		},
	}
}

// Collect returns the host facts plus a fresh storage inventory.
func (c *Collector) Collect() HostInfo {
	info := c.static
	info.Storage = InspectStorage(c.directories)
	return info
}

// InspectStorage lists each directory (not recursively) and summarizes the
// regular, non-hidden files in it.
func InspectStorage(directories []string) []DirectoryStatus {
	out := make([]DirectoryStatus, 0, len(directories))
	for _, dir := range directories {
		st := DirectoryStatus{Path: dir}
		entries, err := os.ReadDir(dir)
		if err != nil {
			st.Error = err.Error()
			out = append(out, st)
			continue
		}
		st.Readable = true
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			info, err := entry.Info()
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			st.Files++
			st.Bytes += info.Size()
			mt := info.ModTime().UTC()
			if st.Oldest.IsZero() || mt.Before(st.Oldest) {
				st.Oldest = mt
			}
			if mt.After(st.Newest) {
				st.Newest = mt
			}
		}
		out = append(out, st)
	}
	return out
}

// AnyReadable reports whether at least one directory could be listed.
func AnyReadable(statuses []DirectoryStatus) bool {
	for _, st := range statuses {
		if st.Readable {
			return true
		}
	}
	return false
}

// getHostIPAddresses returns the private IPv4 addresses of up, non-loopback
// interfaces, at most maxHostIPs of them.
func getHostIPAddresses() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var ips []string
	seen := make(map[string]bool)
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil || !ip.IsPrivate() || seen[ip.String()] {
				continue
			}
			seen[ip.String()] = true
			ips = append(ips, ip.String())
			if len(ips) >= maxHostIPs {
				return ips
			}
		}
	}
	return ips
}

// generateMachineID is the SHA-256 of the primary MAC address, stable across
// restarts.
func generateMachineID() string {
	mac := getPrimaryMACAddress()
	if mac == "" {
		mac = "unknown-device"
	}
	sum := sha256.Sum256([]byte(mac))
	return hex.EncodeToString(sum[:])
}

// getPrimaryMACAddress prefers wired, then wireless, then any interface, in
// name order.
func getPrimaryMACAddress() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	sort.Slice(interfaces, func(i, j int) bool {
		return interfaces[i].Name < interfaces[j].Name
	})

	usable := func(iface net.Interface) bool {
		return iface.Flags&net.FlagLoopback == 0 && len(iface.HardwareAddr) > 0
	}
	for _, prefix := range []string{"eth", "en", "wlan", "wl"} {
		for _, iface := range interfaces {
			if strings.HasPrefix(iface.Name, prefix) && usable(iface) {
				return iface.HardwareAddr.String()
			}
		}
	}
	for _, iface := range interfaces {
		if usable(iface) {
			return iface.HardwareAddr.String()
		}
	}
	return ""
}

func getOSVersion() string {
	switch runtime.GOOS {
	case "linux":
		return linuxRelease("/etc/os-release")
	case "darwin":
		if out, err := exec.Command("sw_vers", "-productVersion").Output(); err == nil {
			return "macOS " + strings.TrimSpace(string(out))
		}
		return "macOS"
	default:
		return runtime.GOOS
	}
}

// linuxRelease reads NAME and VERSION from an os-release file.
func linuxRelease(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return "Linux"
	}
	defer file.Close()

	var name, ver string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "NAME="); ok {
			name = strings.Trim(v, `"`)
		} else if v, ok := strings.CutPrefix(line, "VERSION="); ok {
			ver = strings.Trim(v, `"`)
		}
	}
	switch {
	case name != "" && ver != "":
		return name + " " + ver
	case name != "":
		return name
	default:
		return "Linux"
	}
}

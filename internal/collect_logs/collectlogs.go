package collect_logs

import (
	"archive/zip"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"EnigmaNetz/Enigma-PCAP-Retriever/internal/metadata"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/version"
)

// Options says where the agent keeps the files worth bundling.
type Options struct {
	// LogFile is the configured log file; rotated siblings are included too
	LogFile string
	// ConfigPath is the config file the agent was started with
	ConfigPath string
	// Directories are the storage directories to inventory
	Directories []string
	// OutputDirectory is listed by name and size, not copied
	OutputDirectory string
}

// CollectLogs creates a zip archive with logs, config, version, system info
// and a storage inventory for diagnostics. Missing inputs are skipped.
// zipName is the output file name (e.g., "pcap-retriever-logs-YYYYMMDD-HHMMSS.zip").
func CollectLogs(zipName string, opts Options) error {
	zipFile, err := os.Create(zipName)
	if err != nil {
		return fmt.Errorf("failed to create zip: %w", err)
	}
	defer zipFile.Close()

	zipWriter := zip.NewWriter(zipFile)

	// Current log plus lumberjack backups (name-timestamp.ext[.gz])
	if opts.LogFile != "" {
		ext := filepath.Ext(opts.LogFile)
		pattern := strings.TrimSuffix(opts.LogFile, ext) + "*"
		matches, _ := filepath.Glob(pattern)
		for _, path := range matches {
			_ = addFileToZip(zipWriter, path, filepath.Join("logs", filepath.Base(path))) // Non-fatal
		}
	}

	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			_ = addFileToZip(zipWriter, opts.ConfigPath, "config.json") // Non-fatal
		}
	}

	_ = addStringToZip(zipWriter, "version.txt", version.Version+"\n")
	_ = addStringToZip(zipWriter, "system-info.txt", getSystemInfo())

	storage, _ := json.MarshalIndent(metadata.InspectStorage(opts.Directories), "", "  ")
	_ = addStringToZip(zipWriter, "storage.json", string(storage)+"\n")

	if opts.OutputDirectory != "" {
		_ = addStringToZip(zipWriter, "output-listing.txt", listDirectory(opts.OutputDirectory))
	}

	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish zip: %w", err)
	}
	return zipFile.Close()
}

func addFileToZip(zipWriter *zip.Writer, filename, name string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w, err := zipWriter.Create(filepath.ToSlash(name))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, file)
	return err
}

func addStringToZip(zipWriter *zip.Writer, filename, content string) error {
	w, err := zipWriter.Create(filename)
	if err != nil {
		return err
	}
	_, err = w.Write([]byte(content))
	return err
}

// listDirectory renders "name size mtime" lines for the files in dir.
func listDirectory(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Sprintf("error: %v\n", err)
	}
	var b strings.Builder
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.IsDir() {
			continue
		}
		fmt.Fprintf(&b, "%s %d %s\n", entry.Name(), info.Size(), info.ModTime().UTC().Format("2006-01-02T15:04:05Z"))
	}
	return b.String()
}

func getSystemInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "OS: %s\nArch: %s\nGo version: %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
	fmt.Fprintf(&b, "NumCPU: %d\nGOMAXPROCS: %d\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))
	if hn, err := os.Hostname(); err == nil {
		b.WriteString("Hostname: " + hn + "\n")
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Fprintf(&b, "Memory: Alloc=%d TotalAlloc=%d Sys=%d NumGC=%d\n", m.Alloc, m.TotalAlloc, m.Sys, m.NumGC)

	switch runtime.GOOS {
	case "linux":
		if f, err := os.Open("/etc/os-release"); err == nil {
			defer f.Close()
			b.WriteString("/etc/os-release:\n")
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				line := scanner.Text()
				if strings.HasPrefix(line, "NAME=") || strings.HasPrefix(line, "VERSION=") || strings.HasPrefix(line, "PRETTY_NAME=") {
					b.WriteString("  " + line + "\n")
				}
			}
		}
		if out, err := exec.Command("uname", "-r").Output(); err == nil {
			b.WriteString("Kernel: " + strings.TrimSpace(string(out)) + "\n")
		}
	case "darwin":
		if out, err := exec.Command("sw_vers").Output(); err == nil {
			b.WriteString("sw_vers:\n")
			b.WriteString(string(out))
		}
	}
	return b.String()
}

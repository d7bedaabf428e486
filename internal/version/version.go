// Package version holds the build version, overridden at link time with
// -ldflags "-X EnigmaNetz/Enigma-PCAP-Retriever/internal/version.Version=...".
package version

// Version is the agent version string.
var Version = "dev"

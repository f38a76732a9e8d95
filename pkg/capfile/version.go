// Package capfile implements the cap wire types: the versioned file header,
// the per-packet capture header and the send envelope used by network
// transports.
package capfile

import "fmt"

const (
	// Magic identifies current-layout capture files.
	Magic uint64 = 0x8f1ae247c53d9b6e

	// EthertypeMP is the ethertype of measurement frames.
	EthertypeMP = 0x0810

	// DefaultPort is the default UDP/TCP port of measurement streams.
	DefaultPort = 0x0810

	FileHeaderSize    = 216
	fileHeader06Size  = 208
	fileHeader05Size  = 212
	CaptureHeaderSize = 36
	SendHeaderSize    = 16
	MAMPidSize        = 200
	extHeaderSize     = 4
)

// Version is a {major, minor} format version.
type Version struct {
	Major uint16
	Minor uint16
}

// LibraryVersion is the newest format this package reads and the one it
// writes.
var LibraryVersion = Version{Major: 0, Minor: 7}

// Supported reports whether streams of version v can be decoded.
func (v Version) Supported() bool {
	return v.Major <= LibraryVersion.Major && v.Minor <= LibraryVersion.Minor
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

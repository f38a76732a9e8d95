package capfile

import (
	"bytes"
	"fmt"
	"io"

	"github.com/lunixbochs/struc"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
)

// FileHeader describes a stored capture stream. Decoded legacy layouts are
// normalised into this type.
type FileHeader struct {
	Version      Version
	HeaderOffset uint16
	CommentSize  uint32
	MAMPid       [MAMPidSize]byte
	Comment      string
}

// extension header types
const (
	ExtNone    = 0
	ExtPadding = 1
)

type fileHeaderWire struct {
	Magic        uint64 `struc:",little"`
	Major        uint16 `struc:",little"`
	Minor        uint16 `struc:",little"`
	HeaderOffset uint16 `struc:",little"`
	CommentSize  uint16 `struc:",little"`
	MAMPid       [MAMPidSize]byte
}

type fileHeader06 struct {
	CommentSize uint32 `struc:",little"`
	Major       uint8
	Minor       uint8
	MAMPid      [MAMPidSize]byte
	Pad         []byte `struc:"[2]pad"`
}

type fileHeader05 struct {
	CommentSize uint32 `struc:",little"`
	Major       uint32 `struc:",little"`
	Minor       uint32 `struc:",little"`
	MAMPid      [MAMPidSize]byte
}

type extHeader struct {
	Type       uint16 `struc:",little"`
	NextOffset uint16 `struc:",little"`
}

// NewFileHeader returns a current-layout header for a new stream. The MAMPid
// is truncated so that it stays NUL terminated.
func NewFileHeader(mampid, comment string) *FileHeader {
	h := &FileHeader{
		Version:      LibraryVersion,
		HeaderOffset: FileHeaderSize,
		CommentSize:  uint32(len(comment)),
		Comment:      comment,
	}
	copy(h.MAMPid[:MAMPidSize-1], mampid)
	return h
}

// MAMPidString returns the MAMPid up to the first NUL.
func (h *FileHeader) MAMPidString() string {
	return cString(h.MAMPid[:])
}

// DecodeFileHeader reads a file header and its comment, leaving r positioned
// at the first capture record. Layouts are tried current first, then 0.6,
// then 0.5.
func DecodeFileHeader(r io.ReadSeeker) (*FileHeader, error) {
	raw := make([]byte, FileHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: file header: %v", caperr.ErrUnrecognizedFormat, err)
	}

	h, err := decodeLayout(raw)
	if err != nil {
		return nil, err
	}

	if h.HeaderOffset > FileHeaderSize {
		if err := skipExtensions(r, h.HeaderOffset); err != nil {
			return nil, err
		}
	}

	if _, err := r.Seek(int64(h.HeaderOffset), io.SeekStart); err != nil {
		return nil, caperr.Classify(err)
	}

	comment := make([]byte, h.CommentSize)
	if _, err := io.ReadFull(r, comment); err != nil {
		return nil, fmt.Errorf("%w: comment (%d bytes): %v", caperr.ErrTruncated, h.CommentSize, err)
	}
	h.Comment = string(comment)

	if !h.Version.Supported() {
		return nil, fmt.Errorf("%w: file version %s, library %s", caperr.ErrUnsupportedVersion, h.Version, LibraryVersion)
	}
	return h, nil
}

func decodeLayout(raw []byte) (*FileHeader, error) {
	var cur fileHeaderWire
	if err := struc.Unpack(bytes.NewReader(raw), &cur); err != nil {
		return nil, fmt.Errorf("%w: %v", caperr.ErrUnrecognizedFormat, err)
	}
	if cur.Magic == Magic {
		return &FileHeader{
			Version:      Version{Major: cur.Major, Minor: cur.Minor},
			HeaderOffset: cur.HeaderOffset,
			CommentSize:  uint32(cur.CommentSize),
			MAMPid:       cur.MAMPid,
		}, nil
	}

	var h06 fileHeader06
	if err := struc.Unpack(bytes.NewReader(raw), &h06); err == nil && h06.Major == 0 && h06.Minor == 6 {
		return &FileHeader{
			Version:      Version{Major: 0, Minor: 6},
			HeaderOffset: fileHeader06Size,
			CommentSize:  h06.CommentSize,
			MAMPid:       h06.MAMPid,
		}, nil
	}

	var h05 fileHeader05
	if err := struc.Unpack(bytes.NewReader(raw), &h05); err == nil && h05.Major == 0 && h05.Minor == 5 {
		return &FileHeader{
			Version:      Version{Major: 0, Minor: 5},
			HeaderOffset: fileHeader05Size,
			CommentSize:  h05.CommentSize,
			MAMPid:       h05.MAMPid,
		}, nil
	}

	return nil, fmt.Errorf("%w: no known file header layout", caperr.ErrUnrecognizedFormat)
}

// skipExtensions walks the extension chain between the fixed header and
// headerOffset. Unknown types are ignored.
func skipExtensions(r io.ReadSeeker, headerOffset uint16) error {
	pos := FileHeaderSize
	for pos+extHeaderSize <= int(headerOffset) {
		var ext extHeader
		if err := struc.Unpack(r, &ext); err != nil {
			return fmt.Errorf("%w: extension header: %v", caperr.ErrTruncated, err)
		}
		if ext.Type == ExtNone {
			return nil
		}
		if ext.NextOffset < extHeaderSize || pos+int(ext.NextOffset) > int(headerOffset) {
			return fmt.Errorf("%w: extension header at %d has invalid offset %d", caperr.ErrUnrecognizedFormat, pos, ext.NextOffset)
		}
		if _, err := r.Seek(int64(ext.NextOffset-extHeaderSize), io.SeekCurrent); err != nil {
			return caperr.Classify(err)
		}
		pos += int(ext.NextOffset)
	}
	return nil
}

// Encode writes the current header layout followed by the comment.
func (h *FileHeader) Encode(w io.Writer) error {
	if len(h.Comment) > 0xffff {
		return fmt.Errorf("%w: comment longer than %d bytes", caperr.ErrInvalidArgument, 0xffff)
	}
	wire := fileHeaderWire{
		Magic:        Magic,
		Major:        h.Version.Major,
		Minor:        h.Version.Minor,
		HeaderOffset: FileHeaderSize,
		CommentSize:  uint16(len(h.Comment)),
		MAMPid:       h.MAMPid,
	}
	if err := struc.Pack(w, &wire); err != nil {
		return fmt.Errorf("write file header: %w", err)
	}
	if _, err := io.WriteString(w, h.Comment); err != nil {
		return fmt.Errorf("write comment: %w", err)
	}
	return nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

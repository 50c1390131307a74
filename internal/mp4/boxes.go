// Package mp4 provides the small amount of ISOBMFF awareness the streaming
// engine needs: finding complete top-level box boundaries in a partially
// downloaded segment (low-latency chunked appends) and inspecting init
// segments for timescale and codec information.
package mp4

import (
	"bytes"
	"encoding/binary"
	"fmt"

	mp4ff "github.com/Eyevinn/mp4ff/mp4"
)

const boxHeaderSize = 8

// ScanCompleteBoxes returns the length of the longest prefix of buf made of
// complete top-level boxes. Bytes past that point belong to a box whose end
// has not arrived yet and must not be appended: decoders reject truncated
// boxes, so chunked appends may only flush whole ones.
//
// A box with size 0 extends to the end of the file and is therefore never
// complete until the download finishes; scanning stops there.
func ScanCompleteBoxes(buf []byte) int {
	offset := 0
	for offset+boxHeaderSize <= len(buf) {
		size := int64(binary.BigEndian.Uint32(buf[offset : offset+4]))
		switch size {
		case 0:
			// Extends to EOF; unknowable until the fetch completes.
			return offset
		case 1:
			if offset+16 > len(buf) {
				return offset
			}
			size = int64(binary.BigEndian.Uint64(buf[offset+8 : offset+16]))
		}
		if size < boxHeaderSize {
			// Corrupt header; stop rather than loop forever.
			return offset
		}
		if int64(offset)+size > int64(len(buf)) {
			return offset
		}
		offset += int(size)
	}
	return offset
}

// BoxScanner accumulates streamed bytes and yields spans of complete
// top-level boxes as they become available. It keeps only the incomplete
// tail between calls.
type BoxScanner struct {
	pending []byte
}

// Feed adds data and returns any newly completed boxes, or nil when the
// buffered bytes still end mid-box.
func (s *BoxScanner) Feed(data []byte) []byte {
	s.pending = append(s.pending, data...)
	n := ScanCompleteBoxes(s.pending)
	if n == 0 {
		return nil
	}
	out := s.pending[:n:n]
	s.pending = append([]byte(nil), s.pending[n:]...)
	return out
}

// Pending returns the bytes buffered past the last complete box.
func (s *BoxScanner) Pending() []byte { return s.pending }

// InitInfo is what an init segment tells us about its single track.
type InitInfo struct {
	Timescale uint32
	Codec     string
	Language  string
	TrackID   uint32
}

// InspectInit parses a fragmented-MP4 init segment and extracts track
// metadata. It expects exactly one track, which is what per-type media
// segments carry.
func InspectInit(data []byte) (*InitInfo, error) {
	f, err := mp4ff.DecodeFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode init segment: %w", err)
	}
	init := f.Init
	if init == nil || init.Moov == nil || init.Moov.Trak == nil {
		return nil, fmt.Errorf("init segment has no moov/trak")
	}
	trak := init.Moov.Trak
	mdia := trak.Mdia
	if mdia == nil || mdia.Mdhd == nil {
		return nil, fmt.Errorf("init segment track has no mdhd")
	}
	info := &InitInfo{
		Timescale: mdia.Mdhd.Timescale,
		Language:  mdia.Mdhd.GetLanguage(),
	}
	if trak.Tkhd != nil {
		info.TrackID = trak.Tkhd.TrackID
	}
	if mdia.Minf != nil && mdia.Minf.Stbl != nil && mdia.Minf.Stbl.Stsd != nil {
		if sd, err := mdia.Minf.Stbl.Stsd.GetSampleDescription(0); err == nil {
			info.Codec = sd.Type()
		}
	}
	return info, nil
}

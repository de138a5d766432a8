package networking

import (
	"encoding/binary"
)

const (
	maxFrames     = 8
	maxRecordSize = 16 * 1024 * 1024
)

// packFrames flattens a multipart message into a single record:
// a frame count followed by length prefixed frames.
func packFrames(frames [][]byte) ([]byte, error) {
	if len(frames) == 0 || len(frames) > maxFrames {
		return nil, invalidf("message must carry 1-%d frames, got %d", maxFrames, len(frames))
	}
	size := 1
	for _, f := range frames {
		size += 4 + len(f)
	}
	if size > maxRecordSize {
		return nil, invalidf("message of %d bytes exceeds record limit", size)
	}
	out := make([]byte, 0, size)
	out = append(out, byte(len(frames)))
	for _, f := range frames {
		out = binary.BigEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}
	return out, nil
}

// unpackFrames splits a record back into its frames.
func unpackFrames(record []byte) ([][]byte, error) {
	if len(record) < 1 {
		return nil, invalidf("empty record")
	}
	count := int(record[0])
	if count == 0 || count > maxFrames {
		return nil, invalidf("record claims %d frames", count)
	}
	frames := make([][]byte, 0, count)
	rest := record[1:]
	for i := 0; i < count; i++ {
		if len(rest) < 4 {
			return nil, invalidf("truncated frame header")
		}
		flen := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(flen) > uint64(len(rest)) {
			return nil, invalidf("truncated frame body")
		}
		frames = append(frames, rest[:flen])
		rest = rest[flen:]
	}
	if len(rest) != 0 {
		return nil, invalidf("%d trailing bytes after last frame", len(rest))
	}
	return frames, nil
}

package upload

import "errors"

// ErrRetentionExhausted is returned when a rewind target lies below the
// oldest retained chunk. The upload cannot recover from this.
var ErrRetentionExhausted = errors.New("retention-exhausted")

// ChunkRecord is one emitted chunk retained for retransmission.
type ChunkRecord struct {
	Seek     uint64
	Data     []byte
	Last     bool
	Checksum []byte
}

// Ring is a bounded retention buffer of the most recently sent chunks,
// kept in ascending seek order. It is the only place chunk bytes live
// after emission, so retransmits never re-read the file.
type Ring struct {
	records []ChunkRecord
	max     int
}

// NewRing creates a ring retaining at most max records.
func NewRing(max int) *Ring {
	if max < 1 {
		max = 1
	}
	return &Ring{max: max}
}

// Push appends a record, evicting the lowest seek when full.
func (r *Ring) Push(rec ChunkRecord) {
	if len(r.records) == r.max {
		copy(r.records, r.records[1:])
		r.records = r.records[:len(r.records)-1]
	}
	r.records = append(r.records, rec)
}

// ResendFrom returns, in order, all retained records at or after seek.
// A seek below the low-water mark, or one not landing on a retained
// record boundary, means the data is gone.
func (r *Ring) ResendFrom(seek uint64) ([]ChunkRecord, error) {
	if len(r.records) == 0 || seek < r.records[0].Seek {
		return nil, ErrRetentionExhausted
	}
	idx := 0
	for idx < len(r.records) && r.records[idx].Seek < seek {
		idx++
	}
	if idx == len(r.records) || r.records[idx].Seek != seek {
		return nil, ErrRetentionExhausted
	}
	out := make([]ChunkRecord, len(r.records)-idx)
	copy(out, r.records[idx:])
	return out, nil
}

// LowWater returns the seek of the oldest retained record.
func (r *Ring) LowWater() uint64 {
	if len(r.records) == 0 {
		return 0
	}
	return r.records[0].Seek
}

// HighWater returns the seek of the newest retained record.
func (r *Ring) HighWater() uint64 {
	if len(r.records) == 0 {
		return 0
	}
	return r.records[len(r.records)-1].Seek
}

// Len returns the number of retained records.
func (r *Ring) Len() int {
	return len(r.records)
}

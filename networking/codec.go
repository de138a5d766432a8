package networking

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// InvalidMessageError covers every way a peer can violate the frame
// schema: wrong frame count, unknown tag, wrong integer width, bad
// UTF-8 or forbidden flag bits.
type InvalidMessageError struct {
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return "invalid message: " + e.Reason
}

func invalidf(format string, args ...interface{}) error {
	return &InvalidMessageError{Reason: fmt.Sprintf(format, args...)}
}

// Encode turns a message into its multi-frame wire form. Frame 0 is the
// ASCII tag, integers are big-endian fixed width.
func Encode(msg Message) ([][]byte, error) {
	switch m := msg.(type) {
	case PostFile:
		return [][]byte{[]byte(TagPostFile), u32(m.Flags), []byte(m.Filename), m.Meta}, nil
	case PostChunk:
		if m.Flags&^FlagLastChunk != 0 {
			return nil, invalidf("post-chunk flags %#x has reserved bits set", m.Flags)
		}
		if m.IsLast() {
			if len(m.Checksum) != 32 {
				return nil, invalidf("last chunk requires a 32 byte checksum")
			}
			return [][]byte{[]byte(TagPostChunk), u32(m.Flags), u64(m.Seek), m.Data, m.Checksum}, nil
		}
		if m.Checksum != nil {
			return nil, invalidf("checksum frame only allowed on the last chunk")
		}
		return [][]byte{[]byte(TagPostChunk), u32(m.Flags), u64(m.Seek), m.Data}, nil
	case QueryStatus:
		return [][]byte{[]byte(TagQueryStatus)}, nil
	case ErrorMsg:
		return [][]byte{[]byte(TagError), u32(m.Code), []byte(m.Msg)}, nil
	case UploadApproved:
		return [][]byte{[]byte(TagUploadApproved), u32(m.Credit), u32(m.Chunksize), u32(m.Maxqueue)}, nil
	case TransferCredit:
		return [][]byte{[]byte(TagTransferCredit), u32(m.Amount)}, nil
	case StatusReport:
		return [][]byte{[]byte(TagStatusReport), u64(m.Seek), u32(m.Credit)}, nil
	case UploadFinished:
		return [][]byte{[]byte(TagUploadFinished), []byte(m.UploadID)}, nil
	}
	return nil, invalidf("unknown message type %T", msg)
}

// Decode parses a multi-frame record back into a message. Any deviation
// from the schema is an error, including tags this side has never seen.
func Decode(frames [][]byte) (Message, error) {
	if len(frames) == 0 {
		return nil, invalidf("empty message")
	}
	tag := string(frames[0])
	switch tag {
	case TagPostFile:
		if len(frames) != 4 {
			return nil, invalidf("post-file needs 4 frames, got %d", len(frames))
		}
		flags, err := getU32(frames[1], "flags")
		if err != nil {
			return nil, err
		}
		name, err := getString(frames[2], "filename")
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(frames[3]) {
			return nil, invalidf("metadata is not valid UTF-8")
		}
		return PostFile{Flags: flags, Filename: name, Meta: frames[3]}, nil
	case TagPostChunk:
		if len(frames) != 4 && len(frames) != 5 {
			return nil, invalidf("post-chunk needs 4 or 5 frames, got %d", len(frames))
		}
		flags, err := getU32(frames[1], "flags")
		if err != nil {
			return nil, err
		}
		if flags&^FlagLastChunk != 0 {
			return nil, invalidf("post-chunk flags %#x has reserved bits set", flags)
		}
		seek, err := getU64(frames[2], "seek")
		if err != nil {
			return nil, err
		}
		msg := PostChunk{Flags: flags, Seek: seek, Data: frames[3]}
		if msg.IsLast() {
			if len(frames) != 5 {
				return nil, invalidf("last chunk is missing the checksum frame")
			}
			if len(frames[4]) != 32 {
				return nil, invalidf("checksum frame must be 32 bytes, got %d", len(frames[4]))
			}
			msg.Checksum = frames[4]
		} else if len(frames) == 5 {
			return nil, invalidf("checksum frame only allowed on the last chunk")
		}
		return msg, nil
	case TagQueryStatus:
		if len(frames) != 1 {
			return nil, invalidf("query-status carries no arguments")
		}
		return QueryStatus{}, nil
	case TagError:
		if len(frames) != 3 {
			return nil, invalidf("error needs 3 frames, got %d", len(frames))
		}
		code, err := getU32(frames[1], "code")
		if err != nil {
			return nil, err
		}
		text, err := getString(frames[2], "msg")
		if err != nil {
			return nil, err
		}
		return ErrorMsg{Code: code, Msg: text}, nil
	case TagUploadApproved:
		if len(frames) != 4 {
			return nil, invalidf("upload-approved needs 4 frames, got %d", len(frames))
		}
		credit, err := getU32(frames[1], "credit")
		if err != nil {
			return nil, err
		}
		chunksize, err := getU32(frames[2], "chunksize")
		if err != nil {
			return nil, err
		}
		maxqueue, err := getU32(frames[3], "maxqueue")
		if err != nil {
			return nil, err
		}
		return UploadApproved{Credit: credit, Chunksize: chunksize, Maxqueue: maxqueue}, nil
	case TagTransferCredit:
		if len(frames) != 2 {
			return nil, invalidf("transfer-credit needs 2 frames, got %d", len(frames))
		}
		amount, err := getU32(frames[1], "amount")
		if err != nil {
			return nil, err
		}
		return TransferCredit{Amount: amount}, nil
	case TagStatusReport:
		if len(frames) != 3 {
			return nil, invalidf("status-report needs 3 frames, got %d", len(frames))
		}
		seek, err := getU64(frames[1], "seek")
		if err != nil {
			return nil, err
		}
		credit, err := getU32(frames[2], "credit")
		if err != nil {
			return nil, err
		}
		return StatusReport{Seek: seek, Credit: credit}, nil
	case TagUploadFinished:
		if len(frames) != 2 {
			return nil, invalidf("upload-finished needs 2 frames, got %d", len(frames))
		}
		id, err := getString(frames[1], "upload_id")
		if err != nil {
			return nil, err
		}
		return UploadFinished{UploadID: id}, nil
	}
	return nil, invalidf("unknown command %q", tag)
}

func u32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(make([]byte, 0, 4), v)
}

func u64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), v)
}

func getU32(frame []byte, field string) (uint32, error) {
	if len(frame) != 4 {
		return 0, invalidf("%s must be 4 bytes, got %d", field, len(frame))
	}
	return binary.BigEndian.Uint32(frame), nil
}

func getU64(frame []byte, field string) (uint64, error) {
	if len(frame) != 8 {
		return 0, invalidf("%s must be 8 bytes, got %d", field, len(frame))
	}
	return binary.BigEndian.Uint64(frame), nil
}

func getString(frame []byte, field string) (string, error) {
	if !utf8.Valid(frame) {
		return "", invalidf("%s is not valid UTF-8", field)
	}
	return string(frame), nil
}

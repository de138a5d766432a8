// Package upload drives one file upload as an explicit state machine.
// Every transition is a pure function from an incoming message to the
// messages that go out, so the whole protocol is testable without a
// live transport.
package upload

import (
	"bufio"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"dropsync/constants"
	"dropsync/networking"
)

// State of the client upload machine.
type State int

const (
	Init State = iota
	AwaitApproval
	Streaming
	Draining
	AwaitFinish
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case AwaitApproval:
		return "AWAIT_APPROVAL"
	case Streaming:
		return "STREAMING"
	case Draining:
		return "DRAINING"
	case AwaitFinish:
		return "AWAIT_FINISH"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// RemoteError is a terminal (code, msg) received from or sent to the
// server. The front end maps codes to exit codes.
type RemoteError struct {
	Code uint32
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Msg)
}

// Upload is the client side state machine for a single file.
type Upload struct {
	filename string
	meta     []byte

	src *bufio.Reader
	sha hash.Hash

	state     State
	ring      *Ring
	resend    []ChunkRecord
	credit    uint32
	chunksize uint32
	maxqueue  uint32
	seekRead  uint64
	readDone  bool
	strikes   int

	uploadID string
}

// New prepares an upload of src under the given remote filename.
// Meta must be a UTF-8 JSON blob; it travels verbatim.
func New(filename string, meta []byte, src io.Reader) *Upload {
	return &Upload{
		filename: filename,
		meta:     meta,
		src:      bufio.NewReader(src),
		sha:      sha256.New(),
		state:    Init,
	}
}

// State returns the current machine state.
func (u *Upload) State() State {
	return u.state
}

// UploadID returns the server assigned id once the upload is DONE.
func (u *Upload) UploadID() string {
	return u.uploadID
}

// Start returns the initial post-file announcement. It is also used to
// re-announce after a transport reconnect before approval.
func (u *Upload) Start() networking.Message {
	if u.state == Init {
		u.state = AwaitApproval
	}
	return networking.PostFile{Flags: 0, Filename: u.filename, Meta: u.meta}
}

// Handle feeds one server message to the machine and returns the
// messages to send in response. A non-nil error is terminal.
func (u *Upload) Handle(msg networking.Message) ([]networking.Message, error) {
	u.strikes = 0
	switch m := msg.(type) {
	case networking.UploadApproved:
		return u.handleApproved(m)
	case networking.TransferCredit:
		return u.handleCredit(m)
	case networking.StatusReport:
		return u.handleStatus(m)
	case networking.UploadFinished:
		u.uploadID = m.UploadID
		u.state = Done
		return nil, nil
	case networking.ErrorMsg:
		u.state = Failed
		return nil, &RemoteError{Code: m.Code, Msg: m.Msg}
	}
	// Anything else means version skew. Tell the server and stop.
	u.state = Failed
	reply := networking.ErrorMsg{Code: networking.CodeMalformed, Msg: "unexpected message " + msg.Tag()}
	return []networking.Message{reply}, &RemoteError{Code: networking.CodeMalformed, Msg: reply.Msg}
}

// OnTimeout is invoked when no server message arrived within the
// inactivity timeout. It returns a status probe until the retry budget
// is spent, then a terminal error message.
func (u *Upload) OnTimeout() (networking.Message, error) {
	u.strikes++
	if u.strikes > constants.CLIENT_RETRIES {
		u.state = Failed
		msg := networking.ErrorMsg{Code: networking.CodeTimeout, Msg: "no response from server"}
		return msg, &RemoteError{Code: networking.CodeTimeout, Msg: msg.Msg}
	}
	return networking.QueryStatus{}, nil
}

// Cancel aborts the upload on behalf of the front end.
func (u *Upload) Cancel() networking.Message {
	u.state = Failed
	u.ring = nil
	u.resend = nil
	return networking.ErrorMsg{Code: networking.CodeCancelled, Msg: "client-cancelled"}
}

func (u *Upload) handleApproved(m networking.UploadApproved) ([]networking.Message, error) {
	if u.state != AwaitApproval {
		// Idempotent re-announcement answered with the original
		// parameters. The status report that follows rewinds us.
		return nil, nil
	}
	if m.Chunksize == 0 || m.Maxqueue == 0 {
		u.state = Failed
		return nil, fmt.Errorf("server approved with unusable parameters: chunksize=%d maxqueue=%d", m.Chunksize, m.Maxqueue)
	}
	u.chunksize = m.Chunksize
	u.maxqueue = m.Maxqueue
	u.credit = m.Credit
	u.ring = NewRing(int(m.Maxqueue))
	u.state = Streaming
	return u.pump()
}

func (u *Upload) handleCredit(m networking.TransferCredit) ([]networking.Message, error) {
	if u.state != Streaming && u.state != Draining && u.state != AwaitFinish {
		return nil, nil
	}
	u.credit += m.Amount
	if u.state == Draining {
		u.state = Streaming
	}
	if u.state == Streaming {
		return u.pump()
	}
	return nil, nil
}

func (u *Upload) handleStatus(m networking.StatusReport) ([]networking.Message, error) {
	switch u.state {
	case Streaming, Draining, AwaitFinish:
	default:
		return nil, nil
	}
	if m.Seek > u.seekRead {
		u.state = Failed
		return nil, fmt.Errorf("server reports seek %d beyond the %d bytes sent", m.Seek, u.seekRead)
	}
	if m.Seek == u.seekRead && u.readDone {
		// Every byte went out but upload-finished never arrived, so
		// the final chunk may have been lost in a transport drop.
		// Re-emit it; parking here would stall a zero-length last
		// chunk forever, since the server's offset never moves past
		// it. A duplicate is discarded below write_offset anyway.
		records, err := u.ring.ResendFrom(u.ring.HighWater())
		if err != nil {
			u.state = Failed
			msg := networking.ErrorMsg{Code: networking.CodeInternal, Msg: "retention-exhausted"}
			return []networking.Message{msg}, ErrRetentionExhausted
		}
		u.resend = records
		u.credit = m.Credit
		u.state = Streaming
		return u.pump()
	}
	if m.Seek == u.seekRead {
		u.resend = nil
	} else {
		records, err := u.ring.ResendFrom(m.Seek)
		if err != nil {
			u.state = Failed
			msg := networking.ErrorMsg{Code: networking.CodeInternal, Msg: "retention-exhausted"}
			return []networking.Message{msg}, ErrRetentionExhausted
		}
		u.resend = records
	}
	u.credit = m.Credit
	u.state = Streaming
	return u.pump()
}

// pump emits chunks while credit lasts: retained records first after a
// rewind, then fresh reads from the source.
func (u *Upload) pump() ([]networking.Message, error) {
	var out []networking.Message
	for u.credit > 0 && u.state == Streaming {
		rec, err := u.next()
		if err != nil {
			u.state = Failed
			out = append(out, networking.ErrorMsg{Code: networking.CodeInternal, Msg: "read failed: " + err.Error()})
			return out, err
		}
		if rec == nil {
			u.state = AwaitFinish
			break
		}
		out = append(out, chunkMessage(*rec))
		u.credit--
		if rec.Last {
			u.state = AwaitFinish
		}
	}
	if u.state == Streaming && u.credit == 0 {
		u.state = Draining
	}
	return out, nil
}

// next returns the next record to emit, or nil when every byte has
// already gone out.
func (u *Upload) next() (*ChunkRecord, error) {
	if len(u.resend) > 0 {
		rec := u.resend[0]
		u.resend = u.resend[1:]
		return &rec, nil
	}
	if u.readDone {
		return nil, nil
	}

	buf := make([]byte, u.chunksize)
	n, err := io.ReadFull(u.src, buf)
	last := false
	switch err {
	case nil:
		// Full chunk; peek whether the file ends exactly here.
		if _, perr := u.src.Peek(1); perr == io.EOF {
			last = true
		} else if perr != nil {
			return nil, perr
		}
	case io.ErrUnexpectedEOF, io.EOF:
		last = true
	default:
		return nil, err
	}
	data := buf[:n]
	u.sha.Write(data)

	rec := ChunkRecord{Seek: u.seekRead, Data: data, Last: last}
	if last {
		rec.Checksum = u.sha.Sum(nil)
		u.readDone = true
	}
	u.seekRead += uint64(n)
	u.ring.Push(rec)
	return &rec, nil
}

func chunkMessage(rec ChunkRecord) networking.Message {
	msg := networking.PostChunk{Seek: rec.Seek, Data: rec.Data}
	if rec.Last {
		msg.Flags = networking.FlagLastChunk
		msg.Checksum = rec.Checksum
	}
	return msg
}

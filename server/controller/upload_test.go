package controller

import (
	"bytes"
	"crypto/sha256"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dropsync/networking"
	"dropsync/storage"
)

// fakeFile mimics the storage contract: buffered bytes, a running
// checksum comparison on finalize, self-cleanup on mismatch.
type fakeFile struct {
	buf       bytes.Buffer
	finalized bool
	aborted   bool
	failWrite bool
}

func (f *fakeFile) Write(data []byte) error {
	if f.failWrite {
		return io.ErrShortWrite
	}
	f.buf.Write(data)
	return nil
}

func (f *fakeFile) NBytesWritten() uint64 {
	return uint64(f.buf.Len())
}

func (f *fakeFile) Finalize(remoteSum []byte) error {
	local := sha256.Sum256(f.buf.Bytes())
	if !bytes.Equal(local[:], remoteSum) {
		f.aborted = true
		return storage.ErrChecksumMismatch
	}
	f.finalized = true
	return nil
}

func (f *fakeFile) Abort() {
	f.aborted = true
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestUpload(credit uint32) (*Upload, *fakeFile) {
	file := &fakeFile{}
	u := NewUpload("id-1", "identity-1", "reads.raw", []byte("{}"), file,
		4, 3, credit, time.Unix(1000, 0), testLogger())
	return u, file
}

func lastChunk(seek uint64, data, whole []byte) networking.PostChunk {
	sum := sha256.Sum256(whole)
	return networking.PostChunk{Flags: networking.FlagLastChunk, Seek: seek, Data: data, Checksum: sum[:]}
}

func TestHappyPathThreeChunks(t *testing.T) {
	u, file := newTestUpload(3)
	now := time.Unix(1001, 0)
	content := []byte("helloworld")

	res := u.HandleChunk(networking.PostChunk{Seek: 0, Data: content[0:4]}, now)
	require.Empty(t, res.Replies)
	require.Equal(t, uint32(1), res.ReturnedCredit)
	require.False(t, res.Finished)

	res = u.HandleChunk(networking.PostChunk{Seek: 4, Data: content[4:8]}, now)
	require.Equal(t, uint32(1), res.ReturnedCredit)

	res = u.HandleChunk(lastChunk(8, content[8:], content), now)
	require.True(t, res.Finished)
	require.Len(t, res.Replies, 1)
	require.Equal(t, networking.UploadFinished{UploadID: "id-1"}, res.Replies[0])
	require.Equal(t, Finished, u.State)
	require.True(t, file.finalized)
	require.Equal(t, content, file.buf.Bytes())
	require.Equal(t, uint64(10), u.WriteOffset())
}

func TestDuplicateChunkSilentlyDiscarded(t *testing.T) {
	u, file := newTestUpload(3)
	now := time.Unix(1001, 0)

	u.HandleChunk(networking.PostChunk{Seek: 0, Data: []byte("aaaa")}, now)
	res := u.HandleChunk(networking.PostChunk{Seek: 0, Data: []byte("aaaa")}, now)
	require.Empty(t, res.Replies)
	require.Zero(t, res.ReturnedCredit)
	require.False(t, res.Finished)
	require.Equal(t, uint64(4), u.WriteOffset())
	require.Equal(t, []byte("aaaa"), file.buf.Bytes())
}

func TestChunkAheadOfOffsetGetsStatusReport(t *testing.T) {
	u, _ := newTestUpload(3)
	now := time.Unix(1001, 0)

	u.HandleChunk(networking.PostChunk{Seek: 0, Data: []byte("aaaa")}, now)
	res := u.HandleChunk(networking.PostChunk{Seek: 8, Data: []byte("cccc")}, now)
	require.Len(t, res.Replies, 1)
	report, ok := res.Replies[0].(networking.StatusReport)
	require.True(t, ok)
	require.Equal(t, uint64(4), report.Seek)
	require.Equal(t, uint64(4), u.WriteOffset())
}

func TestOversizedChunkAborts(t *testing.T) {
	u, file := newTestUpload(3)
	res := u.HandleChunk(networking.PostChunk{Seek: 0, Data: []byte("toolarge")}, time.Unix(1001, 0))
	require.True(t, res.Finished)
	require.Equal(t, uint32(3), res.ReturnedCredit)
	errMsg, ok := res.Replies[0].(networking.ErrorMsg)
	require.True(t, ok)
	require.Equal(t, uint32(networking.CodeTooLarge), errMsg.Code)
	require.Equal(t, Aborted, u.State)
	require.True(t, file.aborted)
}

func TestChecksumMismatchAborts(t *testing.T) {
	u, file := newTestUpload(3)
	now := time.Unix(1001, 0)

	u.HandleChunk(networking.PostChunk{Seek: 0, Data: []byte("aaaa")}, now)
	wrong := sha256.Sum256([]byte("not the content"))
	res := u.HandleChunk(networking.PostChunk{
		Flags: networking.FlagLastChunk, Seek: 4, Data: []byte("bb"), Checksum: wrong[:],
	}, now)

	require.True(t, res.Finished)
	errMsg, ok := res.Replies[0].(networking.ErrorMsg)
	require.True(t, ok)
	require.Equal(t, uint32(networking.CodeChecksum), errMsg.Code)
	require.Equal(t, "checksum-mismatch", errMsg.Msg)
	require.Equal(t, Aborted, u.State)
	require.True(t, file.aborted)
	require.False(t, file.finalized)
}

func TestWriteFailureAborts(t *testing.T) {
	u, file := newTestUpload(3)
	file.failWrite = true
	res := u.HandleChunk(networking.PostChunk{Seek: 0, Data: []byte("aaaa")}, time.Unix(1001, 0))
	require.True(t, res.Finished)
	errMsg, ok := res.Replies[0].(networking.ErrorMsg)
	require.True(t, ok)
	require.Equal(t, uint32(networking.CodeInternal), errMsg.Code)
	require.Equal(t, Aborted, u.State)
}

func TestQueryStatusReportsPosition(t *testing.T) {
	u, _ := newTestUpload(3)
	now := time.Unix(1001, 0)
	u.HandleChunk(networking.PostChunk{Seek: 0, Data: []byte("aaaa")}, now)

	res := u.HandleQueryStatus(now)
	require.Len(t, res.Replies, 1)
	require.Equal(t, networking.StatusReport{Seek: 4, Credit: 2}, res.Replies[0])
	require.False(t, res.Finished)
}

func TestClientErrorTearsDown(t *testing.T) {
	u, file := newTestUpload(3)
	res := u.HandleError(networking.ErrorMsg{Code: 499, Msg: "client-cancelled"}, time.Unix(1001, 0))
	require.True(t, res.Finished)
	require.Empty(t, res.Replies)
	require.Equal(t, uint32(3), res.ReturnedCredit)
	require.Equal(t, Aborted, u.State)
	require.True(t, file.aborted)
}

func TestIdenticalRepostIsIdempotent(t *testing.T) {
	u, _ := newTestUpload(3)
	now := time.Unix(1001, 0)
	u.HandleChunk(networking.PostChunk{Seek: 0, Data: []byte("aaaa")}, now)

	res, conflicted := u.HandleRepost(networking.PostFile{Filename: "reads.raw", Meta: []byte("{}")}, now)
	require.False(t, conflicted)
	require.Len(t, res.Replies, 2)
	require.Equal(t, networking.UploadApproved{Credit: 2, Chunksize: 4, Maxqueue: 3}, res.Replies[0])
	require.Equal(t, networking.StatusReport{Seek: 4, Credit: 2}, res.Replies[1])
	require.False(t, res.Finished)
	require.Equal(t, uint64(4), u.WriteOffset())
}

func TestConflictingRepostAborts(t *testing.T) {
	u, file := newTestUpload(3)
	now := time.Unix(1001, 0)

	res, conflicted := u.HandleRepost(networking.PostFile{Filename: "other.raw", Meta: []byte("{}")}, now)
	require.True(t, conflicted)
	require.True(t, res.Finished)
	require.Empty(t, res.Replies)
	require.Equal(t, uint32(3), res.ReturnedCredit)
	require.Equal(t, Aborted, u.State)
	require.True(t, file.aborted)
}

func TestZeroByteUpload(t *testing.T) {
	u, file := newTestUpload(3)
	res := u.HandleChunk(lastChunk(0, nil, nil), time.Unix(1001, 0))
	require.True(t, res.Finished)
	require.Equal(t, networking.UploadFinished{UploadID: "id-1"}, res.Replies[0])
	require.True(t, file.finalized)
	require.Zero(t, u.WriteOffset())
}

func TestOfferCredit(t *testing.T) {
	u, _ := newTestUpload(1)

	granted, msg := u.OfferCredit(10, 2)
	require.Equal(t, uint32(2), granted)
	require.Equal(t, networking.TransferCredit{Amount: 2}, msg)
	require.Equal(t, uint32(3), u.Credit)

	// At the ceiling nothing more is granted.
	granted, msg = u.OfferCredit(10, 4)
	require.Zero(t, granted)
	require.Nil(t, msg)

	// Holding at least the threshold skips the top-up.
	u.Credit = 2
	granted, _ = u.OfferCredit(10, 2)
	require.Zero(t, granted)
}

package networking

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sum := sha256.Sum256([]byte("helloworld"))

	messages := []Message{
		PostFile{Flags: 0, Filename: "reads.raw", Meta: []byte(`{"project":"p1"}`)},
		PostChunk{Flags: 0, Seek: 4096, Data: []byte("chunkdata")},
		PostChunk{Flags: FlagLastChunk, Seek: 8192, Data: []byte("xy"), Checksum: sum[:]},
		PostChunk{Flags: FlagLastChunk, Seek: 0, Data: []byte{}, Checksum: sum[:]},
		QueryStatus{},
		ErrorMsg{Code: 422, Msg: "checksum-mismatch"},
		UploadApproved{Credit: 3, Chunksize: 4, Maxqueue: 3},
		TransferCredit{Amount: 15},
		StatusReport{Seek: 1 << 50, Credit: 7},
		UploadFinished{UploadID: "an_id"},
	}

	for _, msg := range messages {
		frames, err := Encode(msg)
		require.NoError(t, err, "encode %s", msg.Tag())
		decoded, err := Decode(frames)
		require.NoError(t, err, "decode %s", msg.Tag())
		require.Equal(t, msg, decoded)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	sum := make([]byte, 32)

	cases := []struct {
		name   string
		frames [][]byte
	}{
		{"empty message", nil},
		{"unknown tag", [][]byte{[]byte("rename-file"), {0, 0, 0, 0}}},
		{"post-file frame count", [][]byte{[]byte("post-file"), {0, 0, 0, 0}, []byte("name")}},
		{"post-file short flags", [][]byte{[]byte("post-file"), {0, 0}, []byte("name"), []byte("{}")}},
		{"post-file bad utf8 name", [][]byte{[]byte("post-file"), {0, 0, 0, 0}, {0xff, 0xfe}, []byte("{}")}},
		{"post-file bad utf8 meta", [][]byte{[]byte("post-file"), {0, 0, 0, 0}, []byte("name"), {0xff, 0xfe}}},
		{"post-chunk short seek", [][]byte{[]byte("post-chunk"), {0, 0, 0, 0}, {0, 0, 0, 0}, []byte("data")}},
		{"post-chunk reserved flags", [][]byte{[]byte("post-chunk"), {0, 0, 0, 2}, {0, 0, 0, 0, 0, 0, 0, 0}, []byte("data")}},
		{"last chunk missing checksum", [][]byte{[]byte("post-chunk"), {0, 0, 0, 1}, {0, 0, 0, 0, 0, 0, 0, 0}, []byte("data")}},
		{"last chunk short checksum", [][]byte{[]byte("post-chunk"), {0, 0, 0, 1}, {0, 0, 0, 0, 0, 0, 0, 0}, []byte("data"), {1, 2, 3}}},
		{"checksum on non-last chunk", [][]byte{[]byte("post-chunk"), {0, 0, 0, 0}, {0, 0, 0, 0, 0, 0, 0, 0}, []byte("data"), sum}},
		{"query-status with arguments", [][]byte{[]byte("query-status"), []byte("x")}},
		{"error frame count", [][]byte{[]byte("error"), {0, 0, 1, 144}}},
		{"error bad utf8 msg", [][]byte{[]byte("error"), {0, 0, 1, 144}, {0xff}}},
		{"upload-approved short credit", [][]byte{[]byte("upload-approved"), {0, 1}, {0, 0, 0, 4}, {0, 0, 0, 3}}},
		{"transfer-credit frame count", [][]byte{[]byte("transfer-credit")}},
		{"status-report short seek", [][]byte{[]byte("status-report"), {0, 0, 0, 8}, {0, 0, 0, 1}}},
		{"upload-finished bad utf8", [][]byte{[]byte("upload-finished"), {0xc0}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.frames)
			require.Error(t, err)
			var werr *InvalidMessageError
			require.ErrorAs(t, err, &werr)
		})
	}
}

func TestEncodeRejectsBadChunks(t *testing.T) {
	_, err := Encode(PostChunk{Flags: 4, Seek: 0, Data: []byte("x")})
	require.Error(t, err)

	_, err = Encode(PostChunk{Flags: FlagLastChunk, Seek: 0, Data: []byte("x")})
	require.Error(t, err)

	_, err = Encode(PostChunk{Flags: 0, Seek: 0, Data: []byte("x"), Checksum: make([]byte, 32)})
	require.Error(t, err)
}

func TestPackUnpackFrames(t *testing.T) {
	frames := [][]byte{[]byte("post-chunk"), {0, 0, 0, 0}, {}, []byte("payload")}
	record, err := packFrames(frames)
	require.NoError(t, err)

	back, err := unpackFrames(record)
	require.NoError(t, err)
	require.Len(t, back, len(frames))
	for i := range frames {
		require.True(t, bytes.Equal(frames[i], back[i]))
	}

	_, err = unpackFrames(record[:len(record)-2])
	require.Error(t, err)

	_, err = unpackFrames(append(record, 0xAA))
	require.Error(t, err)
}

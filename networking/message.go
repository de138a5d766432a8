package networking

// Message tags. Frame 0 of every wire message is one of these.
const (
	TagPostFile       = "post-file"
	TagPostChunk      = "post-chunk"
	TagQueryStatus    = "query-status"
	TagError          = "error"
	TagUploadApproved = "upload-approved"
	TagTransferCredit = "transfer-credit"
	TagStatusReport   = "status-report"
	TagUploadFinished = "upload-finished"
)

// FlagLastChunk marks the chunk that consumes the final bytes of the file.
// All other bits of the post-chunk flags field must be zero.
const FlagLastChunk uint32 = 1

// Error codes carried by the error message.
const (
	CodeMalformed    = 400
	CodeUnauthorized = 401
	CodeRejected     = 403
	CodeTimeout      = 408
	CodeConflict     = 409
	CodeTooLarge     = 413
	CodeChecksum     = 422
	CodeCancelled    = 499
	CodeInternal     = 500
	CodeNoCapacity   = 503
)

// Message is one of the eight wire message types.
type Message interface {
	Tag() string
}

// PostFile announces a new upload. Meta is the raw UTF-8 JSON blob.
type PostFile struct {
	Flags    uint32
	Filename string
	Meta     []byte
}

// PostChunk carries file data at a byte offset. Checksum is present
// only on the last chunk and holds the SHA-256 of the whole file.
type PostChunk struct {
	Flags    uint32
	Seek     uint64
	Data     []byte
	Checksum []byte
}

// IsLast reports whether this chunk consumes the final bytes.
func (m PostChunk) IsLast() bool {
	return m.Flags&FlagLastChunk != 0
}

// QueryStatus asks the server for the authoritative write position.
type QueryStatus struct{}

// ErrorMsg terminates an upload in either direction.
type ErrorMsg struct {
	Code uint32
	Msg  string
}

// UploadApproved answers an accepted post-file with the negotiated
// transfer parameters.
type UploadApproved struct {
	Credit    uint32
	Chunksize uint32
	Maxqueue  uint32
}

// TransferCredit grants the client permission for more chunks.
type TransferCredit struct {
	Amount uint32
}

// StatusReport is the server's authoritative position and credit.
type StatusReport struct {
	Seek   uint64
	Credit uint32
}

// UploadFinished confirms promotion and carries the assigned upload id.
type UploadFinished struct {
	UploadID string
}

func (PostFile) Tag() string       { return TagPostFile }
func (PostChunk) Tag() string      { return TagPostChunk }
func (QueryStatus) Tag() string    { return TagQueryStatus }
func (ErrorMsg) Tag() string       { return TagError }
func (UploadApproved) Tag() string { return TagUploadApproved }
func (TransferCredit) Tag() string { return TagTransferCredit }
func (StatusReport) Tag() string   { return TagStatusReport }
func (UploadFinished) Tag() string { return TagUploadFinished }

package controller

import (
	"errors"
	"log/slog"
	"time"

	"dropsync/metrics"
	"dropsync/networking"
	"dropsync/storage"
)

// UploadState of the per-identity server machine.
type UploadState int

const (
	Validating UploadState = iota
	Writing
	Committing
	Finished
	Rejected
	Aborted
)

func (s UploadState) String() string {
	switch s {
	case Validating:
		return "VALIDATING"
	case Writing:
		return "WRITING"
	case Committing:
		return "COMMITTING"
	case Finished:
		return "FINISHED"
	case Rejected:
		return "REJECTED"
	case Aborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// StagedFile is the slice of the storage layer the state machine needs.
// storage.File implements it; tests substitute their own.
type StagedFile interface {
	Write(data []byte) error
	NBytesWritten() uint64
	Finalize(remoteSum []byte) error
	Abort()
}

// Upload is one accepted upload owned by the event loop. All fields are
// mutated only there.
type Upload struct {
	ID       string
	Identity string
	Filename string
	Meta     []byte

	Chunksize uint32
	Maxqueue  uint32
	Credit    uint32

	LastActivity time.Time
	Probes       int
	State        UploadState

	file        StagedFile
	writeOffset uint64
	log         *slog.Logger
}

// NewUpload wraps an opened staging file into a WRITING upload.
func NewUpload(id, identity, filename string, meta []byte, file StagedFile, chunksize, maxqueue, credit uint32, now time.Time, log *slog.Logger) *Upload {
	return &Upload{
		ID:           id,
		Identity:     identity,
		Filename:     filename,
		Meta:         meta,
		Chunksize:    chunksize,
		Maxqueue:     maxqueue,
		Credit:       credit,
		LastActivity: now,
		State:        Writing,
		file:         file,
		log:          log.With(slog.String("upload_id", id)),
	}
}

// WriteOffset returns the bytes successfully persisted. It never
// decreases.
func (u *Upload) WriteOffset() uint64 {
	return u.writeOffset
}

// Approved builds the approval message with the current parameters.
func (u *Upload) Approved() networking.UploadApproved {
	return networking.UploadApproved{Credit: u.Credit, Chunksize: u.Chunksize, Maxqueue: u.Maxqueue}
}

// Result of handling one message: replies to route back, credit the
// upload returned to the global pool and whether the upload is over.
type Result struct {
	Replies        []networking.Message
	ReturnedCredit uint32
	Finished       bool
}

// HandleChunk validates and applies one post-chunk in the order the
// protocol demands.
func (u *Upload) HandleChunk(m networking.PostChunk, now time.Time) Result {
	u.touch(now)

	if uint32(len(m.Data)) > u.Chunksize {
		u.log.Error("chunk exceeds negotiated size",
			slog.Int("size", len(m.Data)), slog.Uint64("chunksize", uint64(u.Chunksize)))
		return u.abort(networking.CodeTooLarge, "chunk-too-large")
	}
	if m.Seek < u.writeOffset {
		// Duplicate retransmit from before a reconnect.
		return Result{}
	}
	if m.Seek > u.writeOffset {
		report := networking.StatusReport{Seek: u.writeOffset, Credit: u.Credit}
		return Result{Replies: []networking.Message{report}}
	}

	if len(m.Data) > 0 {
		if err := u.file.Write(m.Data); err != nil {
			u.log.Error("write to staging failed", slog.String("error", err.Error()))
			return u.abort(networking.CodeInternal, "storage failure")
		}
		u.writeOffset += uint64(len(m.Data))
		metrics.BytesWritten.Add(float64(len(m.Data)))
	}

	if m.IsLast() {
		u.State = Committing
		return u.commit(m.Checksum)
	}

	returned := uint32(0)
	if u.Credit > 0 {
		u.Credit--
		returned = 1
	}
	return Result{ReturnedCredit: returned}
}

// commit verifies the trailer and promotes the staged file.
func (u *Upload) commit(remoteSum []byte) Result {
	returned := u.Credit
	u.Credit = 0
	if err := u.file.Finalize(remoteSum); err != nil {
		if errors.Is(err, storage.ErrChecksumMismatch) {
			u.log.Error("upload failed", slog.String("error", "checksum-mismatch"))
			u.State = Aborted
			metrics.UploadsAborted.Inc()
			reply := networking.ErrorMsg{Code: networking.CodeChecksum, Msg: "checksum-mismatch"}
			return Result{Replies: []networking.Message{reply}, ReturnedCredit: returned, Finished: true}
		}
		u.log.Error("finalize failed", slog.String("error", err.Error()))
		u.State = Aborted
		metrics.UploadsAborted.Inc()
		reply := networking.ErrorMsg{Code: networking.CodeInternal, Msg: err.Error()}
		return Result{Replies: []networking.Message{reply}, ReturnedCredit: returned, Finished: true}
	}
	u.State = Finished
	u.log.Info("upload finished", slog.Uint64("bytes", u.writeOffset))
	metrics.UploadsFinished.Inc()
	reply := networking.UploadFinished{UploadID: u.ID}
	return Result{Replies: []networking.Message{reply}, ReturnedCredit: returned, Finished: true}
}

// HandleQueryStatus answers with the authoritative position. It also
// clears the probe strike count: the peer is alive.
func (u *Upload) HandleQueryStatus(now time.Time) Result {
	u.touch(now)
	report := networking.StatusReport{Seek: u.writeOffset, Credit: u.Credit}
	return Result{Replies: []networking.Message{report}}
}

// HandleError tears the upload down after a client-side error.
func (u *Upload) HandleError(m networking.ErrorMsg, now time.Time) Result {
	u.touch(now)
	u.log.Info("client ended upload",
		slog.Uint64("code", uint64(m.Code)), slog.String("msg", m.Msg))
	returned := u.Credit
	u.Credit = 0
	u.file.Abort()
	u.State = Aborted
	metrics.UploadsAborted.Inc()
	return Result{ReturnedCredit: returned, Finished: true}
}

// HandleRepost answers a repeated post-file on a live upload. An
// identical announcement is idempotent; a conflicting filename kills
// the in-flight upload.
func (u *Upload) HandleRepost(m networking.PostFile, now time.Time) (Result, bool) {
	u.touch(now)
	if m.Filename == u.Filename {
		replies := []networking.Message{
			u.Approved(),
			networking.StatusReport{Seek: u.writeOffset, Credit: u.Credit},
		}
		return Result{Replies: replies}, false
	}
	// The only listener on this identity is the new announcement, so
	// the dying upload gets no error message, just a terminal log.
	u.log.Error("upload aborted",
		slog.Uint64("code", uint64(networking.CodeConflict)),
		slog.String("msg", "conflicting post-file "+m.Filename+" on the same identity"))
	returned := u.Credit
	u.Credit = 0
	u.file.Abort()
	u.State = Aborted
	metrics.UploadsAborted.Inc()
	return Result{ReturnedCredit: returned, Finished: true}, true
}

// Cancel ends the upload with an error sent to the peer.
func (u *Upload) Cancel(code uint32, msg string) Result {
	return u.abort(code, msg)
}

// OfferCredit tops the upload up toward maxqueue and returns how much
// was actually granted. Uploads still holding plenty of credit are
// skipped so fresh budget reaches the starved ones.
func (u *Upload) OfferCredit(amount uint32, threshold uint32) (uint32, networking.Message) {
	if u.State != Writing || u.Credit >= threshold || amount == 0 {
		return 0, nil
	}
	granted := u.Maxqueue - u.Credit
	if granted > amount {
		granted = amount
	}
	if granted == 0 {
		return 0, nil
	}
	u.Credit += granted
	return granted, networking.TransferCredit{Amount: granted}
}

// SecondsIdle returns how long the upload has been silent.
func (u *Upload) SecondsIdle(now time.Time) time.Duration {
	return now.Sub(u.LastActivity)
}

func (u *Upload) abort(code uint32, msg string) Result {
	u.log.Error("upload aborted",
		slog.Uint64("code", uint64(code)), slog.String("msg", msg))
	returned := u.Credit
	u.Credit = 0
	u.file.Abort()
	u.State = Aborted
	metrics.UploadsAborted.Inc()
	reply := networking.ErrorMsg{Code: code, Msg: msg}
	return Result{Replies: []networking.Message{reply}, ReturnedCredit: returned, Finished: true}
}

func (u *Upload) touch(now time.Time) {
	u.LastActivity = now
	u.Probes = 0
}

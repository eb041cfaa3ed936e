// Package ipc implements the daemon's control plane over a per-user
// unix-domain socket: length-prefixed JSON request/response frames.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gwicho38/lsh/internal/domain"
)

// Operation names carried in request frames.
const (
	OpGetStatus        = "getStatus"
	OpListJobs         = "listJobs"
	OpGetJob           = "getJob"
	OpCreateJob        = "createJob"
	OpStartJob         = "startJob"
	OpStopJob          = "stopJob"
	OpTriggerJob       = "triggerJob"
	OpRemoveJob        = "removeJob"
	OpGetJobHistory    = "getJobHistory"
	OpGetJobStatistics = "getJobStatistics"
	OpSearchExecutions = "searchExecutions"
	OpStopDaemon       = "stopDaemon"
	OpRestartDaemon    = "restartDaemon"
)

// maxFrameBytes caps a single frame. Larger frames indicate a confused
// or hostile peer.
const maxFrameBytes = 16 << 20

// frameHeaderBytes is the size of the big-endian length prefix.
const frameHeaderBytes = 4

// Request is one client call.
type Request struct {
	ID   string         `json:"id"`
	Op   string         `json:"op"`
	Args map[string]any `json:"args,omitempty"`
}

// Response answers one request.
type Response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the wire shape of a failed operation.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// errorResponse maps a domain error onto the wire.
func errorResponse(id string, err error) Response {
	code := domain.KindOf(err)
	if code == "" {
		code = domain.KindStorageFailure
	}
	msg := err.Error()
	var de *domain.Error
	if errors.As(err, &de) {
		msg = de.Message
	}
	return Response{ID: id, OK: false, Error: &ResponseError{Code: string(code), Message: msg}}
}

// WriteFrame writes one message as a 4-byte big-endian length followed
// by its JSON encoding.
func WriteFrame(w io.Writer, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds the %d byte cap", len(payload), maxFrameBytes)
	}

	header := make([]byte, frameHeaderBytes)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one message into dest.
func ReadFrame(r io.Reader, dest any) error {
	header := make([]byte, frameHeaderBytes)
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header)
	if size > maxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds the %d byte cap", size, maxFrameBytes)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	return nil
}

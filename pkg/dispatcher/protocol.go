// Package dispatcher implements the Dispatcher (component I): a Unix
// domain socket listener speaking a length-prefixed, 16-bit-message-type
// framing protocol, dispatching ProjectMessage/QueryMessage/
// CreateOutputMessage requests against the project registry and job
// pool.
package dispatcher

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/carpecarp/rtags/pkg/symbol"
)

// MessageType is the 16-bit discriminator carried by every frame.
type MessageType uint16

const (
	MsgProject MessageType = iota + 1
	MsgQuery
	MsgCreateOutput
	MsgResponse
)

// ProjectMessage adds or replaces a project registration.
type ProjectMessage struct {
	Kind         symbol.ProjectKind
	Path         string // makefile path, GRTAGS directory, or smart-project root
	Args         []string
	ExtraFlags   []string
	UseDashB     bool
	NoMakeTricks bool
	Automake     bool
}

// QuerySubtype enumerates the ~20 query kinds §4.6 names.
type QuerySubtype uint8

const (
	QueryFindFile QuerySubtype = iota
	QueryDumpFile
	QueryDeleteProject
	QueryUnloadProject
	QueryReloadProjects
	QueryProjectSelect
	QueryReindex
	QueryClearProjects
	QueryFixIts
	QueryErrors
	QueryCursorInfo
	QueryShutdown
	QueryFollowLocation
	QueryReferencesAtLocation
	QueryReferencesByName
	QueryListSymbols
	QueryFindSymbols
	QueryStatus
	QueryIsIndexed
	QueryHasFileManager
	QueryPreprocessFile
)

// QueryMessage is one client query. Not every field is meaningful for
// every subtype: Path+Offset address a location (cursor-info,
// follow-location, references-at-location), Path alone addresses a file
// (find-file, dump-file, is-indexed, has-file-manager, preprocess-file),
// and Query carries free text (references-by-name, find-symbols, the
// project-select path-or-regex argument).
type QueryMessage struct {
	Subtype QuerySubtype
	Path    string
	Offset  uint32
	Query   string
	Limit   int
}

// CreateOutputMessage requests the connection as a log sink. The daemon
// accepts it but registers no sink, so no log output is sent back.
type CreateOutputMessage struct {
	Verbosity int
}

// ResponseMessage is one line of output; Finish marks the last line of a
// reply so the client knows to stop reading.
type ResponseMessage struct {
	Line   string
	Finish bool
}

// Frame is the envelope gob-encodes one of the message payload types
// above. Using a single wrapper struct keeps the wire format to one gob
// schema instead of needing per-type decoders driven off MessageType.
// It is exported so cmd/rtags can speak the same wire format as a
// client without duplicating the framing logic.
type Frame struct {
	Type    MessageType
	Project *ProjectMessage
	Query   *QueryMessage
	Output  *CreateOutputMessage
	Resp    *ResponseMessage
}

// WriteFrame writes a length-prefixed frame: a 4-byte big-endian length
// covering everything that follows, then a 2-byte message type, then the
// gob-encoded frame payload, per §6/§4.6.
func WriteFrame(w *bufio.Writer, f Frame) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return fmt.Errorf("dispatcher: encode frame: %w", err)
	}
	body := buf.Bytes()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body))+2)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	var typeBuf [2]byte
	binary.BigEndian.PutUint16(typeBuf[:], uint16(f.Type))
	if _, err := w.Write(typeBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Flush()
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n < 2 {
		return Frame{}, fmt.Errorf("dispatcher: frame too short (%d bytes)", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}

	msgType := MessageType(binary.BigEndian.Uint16(payload[:2]))
	var f Frame
	if err := gob.NewDecoder(bytes.NewReader(payload[2:])).Decode(&f); err != nil {
		return Frame{}, fmt.Errorf("dispatcher: decode frame: %w", err)
	}
	f.Type = msgType
	return f, nil
}

func WriteProject(w *bufio.Writer, m ProjectMessage) error {
	return WriteFrame(w, Frame{Type: MsgProject, Project: &m})
}

func WriteQuery(w *bufio.Writer, m QueryMessage) error {
	return WriteFrame(w, Frame{Type: MsgQuery, Query: &m})
}

func WriteCreateOutput(w *bufio.Writer, m CreateOutputMessage) error {
	return WriteFrame(w, Frame{Type: MsgCreateOutput, Output: &m})
}

func WriteResponse(w *bufio.Writer, m ResponseMessage) error {
	return WriteFrame(w, Frame{Type: MsgResponse, Resp: &m})
}

package session

import "popnet/internal/errors"

// Kind names an event.  The string values are the labels the bridge
// forwards to the front-end.
type Kind string

const (
	BytesWritten          Kind = "bytesWritten"
	EncryptedBytesWritten Kind = "encryptedBytesWritten"
	BytesReceived         Kind = "bytesReceived"
	LinesReceived         Kind = "linesReceived"
	FileFeedbackReceived  Kind = "fileFeedbackReceived"
	StateChanged          Kind = "connectionStateChanged"
	ModeChanged           Kind = "modeChanged"
	TLSHandshakeComplete  Kind = "tlsHandshakeComplete"
	TLSErrors             Kind = "tlsErrors"
	TransferFailed        Kind = "transferFailed"
)

// Event is one notification from a session.  Only the fields relevant
// to Kind are set.
type Event struct {
	Session string
	Kind    Kind

	N       int64         // byte counts
	Lines   []string      // LinesReceived, FileFeedbackReceived
	State   State         // StateChanged
	TLSMode TLSMode       // ModeChanged
	Errors  []string      // TLSErrors
	Reason  errors.Reason // TransferFailed
	Err     error
}

// State is the connection state.  Values match the socket state
// numbering the front-end already understands.
type State int

const (
	Unconnected State = 0
	HostLookup  State = 1
	Connecting  State = 2
	Connected   State = 3
	Bound       State = 4
	Listening   State = 5
	Closing     State = 6
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case HostLookup:
		return "host-lookup"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Bound:
		return "bound"
	case Listening:
		return "listening"
	case Closing:
		return "closing"
	}
	return "unknown"
}

// TLSMode is the encryption role of the connection.
type TLSMode int

const (
	Unencrypted TLSMode = 0
	TLSClient   TLSMode = 1
	TLSServer   TLSMode = 2
)

func (m TLSMode) String() string {
	switch m {
	case TLSClient:
		return "client"
	case TLSServer:
		return "server"
	}
	return "unencrypted"
}

// Mode is the payload discipline applied to inbound bytes.
type Mode int

const (
	LineCommand Mode = iota
	BinaryMessage
	BinaryFile
)

func (m Mode) String() string {
	switch m {
	case BinaryMessage:
		return "binary/message"
	case BinaryFile:
		return "binary/file"
	}
	return "line"
}

// Direction is the file transfer direction in file mode.
type Direction string

const (
	Send    Direction = "send"
	Receive Direction = "receive"
)

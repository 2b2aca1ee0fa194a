package protocol

import (
	"encoding/json"
	"fmt"
)

// frame is the on-the-wire envelope: one JSON object, one line. The payload
// is a self-describing tagged record per spec §4.1; this implementation
// picks tagged JSON since the wire format is explicitly not a stable
// external contract (spec §9) and JSON keeps the codec dependency-free.
type frame struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serialises msg into a single line terminated by '\n'.
func Encode(msg any) ([]byte, error) {
	kind, err := kindOf(msg)
	if err != nil {
		return nil, err
	}

	var payload json.RawMessage
	if kind != KindDoScan && kind != KindGetStatus && kind != KindKeepAlive {
		payload, err = json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s payload: %w", kind, err)
		}
	}

	line, err := json.Marshal(frame{Type: kind, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	return append(line, '\n'), nil
}

// Decode parses a single line (with or without its trailing '\n') into one
// of the concrete *Msg types declared in messages.go.
func Decode(line []byte) (any, error) {
	line = trimNewline(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("protocol: empty frame")
	}

	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("protocol: decode frame: %w", err)
	}

	switch f.Type {
	case KindWorker:
		var m WorkerMsg
		return &m, unmarshalPayload(f.Payload, &m)
	case KindGlobalJob:
		var m GlobalJobMsg
		return &m, unmarshalPayload(f.Payload, &m)
	case KindBugJobDone:
		var m BugJobDoneMsg
		return &m, unmarshalPayload(f.Payload, &m)
	case KindCompletedJobsRequest:
		var m CompletedJobsRequestMsg
		return &m, unmarshalPayload(f.Payload, &m)
	case KindCompletedJobsResponse:
		var m CompletedJobsResponseMsg
		return &m, unmarshalPayload(f.Payload, &m)
	case KindDoScan:
		return &DoScanMsg{}, nil
	case KindGetStatus:
		return &GetStatusMsg{}, nil
	case KindTesterStatus:
		var m TesterStatusMsg
		return &m, unmarshalPayload(f.Payload, &m)
	case KindManagerStatus:
		var m ManagerStatusMsg
		return &m, unmarshalPayload(f.Payload, &m)
	case KindKeepAlive:
		return &KeepAliveMsg{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Type)
	}
}

// ErrUnknownKind is returned by Decode for a frame whose Type tag is not one
// of the closed set of message kinds. Per spec §4.1 this must not close the
// connection; callers should log and continue.
var ErrUnknownKind = fmt.Errorf("protocol: unknown message kind")

func unmarshalPayload(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("protocol: decode payload: %w", err)
	}
	return nil
}

func kindOf(msg any) (Kind, error) {
	switch msg.(type) {
	case *WorkerMsg, WorkerMsg:
		return KindWorker, nil
	case *GlobalJobMsg, GlobalJobMsg:
		return KindGlobalJob, nil
	case *BugJobDoneMsg, BugJobDoneMsg:
		return KindBugJobDone, nil
	case *CompletedJobsRequestMsg, CompletedJobsRequestMsg:
		return KindCompletedJobsRequest, nil
	case *CompletedJobsResponseMsg, CompletedJobsResponseMsg:
		return KindCompletedJobsResponse, nil
	case *DoScanMsg, DoScanMsg:
		return KindDoScan, nil
	case *GetStatusMsg, GetStatusMsg:
		return KindGetStatus, nil
	case *TesterStatusMsg, TesterStatusMsg:
		return KindTesterStatus, nil
	case *ManagerStatusMsg, ManagerStatusMsg:
		return KindManagerStatus, nil
	case *KeepAliveMsg, KeepAliveMsg:
		return KindKeepAlive, nil
	default:
		return "", fmt.Errorf("protocol: unsupported message type %T", msg)
	}
}

func trimNewline(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

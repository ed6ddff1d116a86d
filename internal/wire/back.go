package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// BackMsgType is the tag of a client -> server message.
type BackMsgType string

const (
	// BackRerunScript asks the session to run its script again.
	BackRerunScript BackMsgType = "rerun_script"
	// BackStopScript asks the session to cancel the current run.
	BackStopScript BackMsgType = "stop_script"
	// BackClearCache asks the server to drop its message cache.
	BackClearCache BackMsgType = "clear_cache"
)

// FileUploaderState is a file uploader widget's view of its files.
type FileUploaderState struct {
	WidgetID string `msgpack:"widget_id" json:"widget_id"`
	// NewestFileID is the largest file id the widget has seen acknowledged.
	NewestFileID int64 `msgpack:"newest_file_id" json:"newest_file_id"`
	// ActiveFileIDs are the files the widget still shows.
	ActiveFileIDs []int64 `msgpack:"active_file_ids,omitempty" json:"active_file_ids,omitempty"`
}

// RerunScript carries the client state a run should see.
type RerunScript struct {
	QueryString string `msgpack:"query_string,omitempty" json:"query_string,omitempty"`
	// WidgetStates is an opaque JSON document owned by the script.
	WidgetStates []byte              `msgpack:"widget_states,omitempty" json:"widget_states,omitempty"`
	PageName     string              `msgpack:"page_name,omitempty" json:"page_name,omitempty"`
	FileUploads  []FileUploaderState `msgpack:"file_uploads,omitempty" json:"file_uploads,omitempty"`
}

// BackMsg is a single client -> server message.
type BackMsg struct {
	Type        BackMsgType  `msgpack:"type" json:"type"`
	RerunScript *RerunScript `msgpack:"rerun_script,omitempty" json:"rerun_script,omitempty"`
}

// EncodeBackMsg serializes a BackMsg.
func EncodeBackMsg(m *BackMsg) ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode back message: %w", err)
	}
	return data, nil
}

// DecodeBackMsg parses and validates a client frame.
func DecodeBackMsg(data []byte) (*BackMsg, error) {
	var m BackMsg
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode back message: %w", err)
	}
	switch m.Type {
	case BackRerunScript:
		if m.RerunScript == nil {
			m.RerunScript = &RerunScript{}
		}
	case BackStopScript, BackClearCache:
	default:
		return nil, fmt.Errorf("%w: back message %q", ErrUnknownType, m.Type)
	}
	return &m, nil
}

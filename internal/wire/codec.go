package wire

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"
)

// HashSize is the digest length in bytes. Hex-encoded hashes are twice as
// long.
const HashSize = 16

var (
	// ErrMalformed is returned when a frame decodes but its fields do not
	// describe a valid message.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for an unrecognized payload tag.
	ErrUnknownType = errors.New("unknown message type")
)

// envelope is the on-wire shape of a ForwardMsg. Exactly one payload field
// is set, matching Type.
type envelope struct {
	Type     MessageType `msgpack:"type"`
	Hash     string      `msgpack:"hash,omitempty"`
	Metadata *Metadata   `msgpack:"metadata,omitempty"`
	RefHash  string      `msgpack:"ref_hash,omitempty"`

	Delta          *Delta          `msgpack:"delta,omitempty"`
	NewSession     *NewSession     `msgpack:"new_session,omitempty"`
	ScriptFinished *ScriptFinished `msgpack:"script_finished,omitempty"`
	SessionEvent   *SessionEvent   `msgpack:"session_event,omitempty"`
}

// contentEnvelope fills in the tag and payload fields only.
func contentEnvelope(m *ForwardMsg) envelope {
	env := envelope{Type: m.Type(), RefHash: m.refHash}
	switch c := m.content.(type) {
	case *Delta:
		env.Delta = c
	case *NewSession:
		env.NewSession = c
	case *ScriptFinished:
		env.ScriptFinished = c
	case *SessionEvent:
		env.SessionEvent = c
	}
	return env
}

// ComputeHash returns the hex digest of m's content fields. The hash field
// and the metadata block are not part of the input, so two messages with the
// same content but different metadata hash identically.
//
// ComputeHash does not read or populate the memoized hash on m.
func ComputeHash(m *ForwardMsg) string {
	// Only fails for sizes outside [1, 64].
	h, _ := blake2b.New(HashSize, nil)
	env := contentEnvelope(m)
	// Writes into a hash.Hash never fail, and every payload type is a plain
	// struct.
	_ = msgpack.NewEncoder(h).Encode(&env)
	return hex.EncodeToString(h.Sum(nil))
}

// Encode serializes m. The hash is included only if it has been populated.
func Encode(m *ForwardMsg) ([]byte, error) {
	env := contentEnvelope(m)
	env.Hash = m.populatedHash()
	md := m.Metadata
	env.Metadata = &md
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", env.Type, err)
	}
	return data, nil
}

// ByteSize returns the encoded size of m's content, which is what
// cacheability is judged on.
func ByteSize(m *ForwardMsg) int {
	env := contentEnvelope(m)
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return 0
	}
	return len(data)
}

// Decode parses a frame produced by Encode.
func Decode(data []byte) (*ForwardMsg, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode forward message: %w", err)
	}

	msg := &ForwardMsg{refHash: env.RefHash}
	if env.Hash != "" {
		msg.hash = env.Hash
		msg.hashed.Store(true)
	}
	if env.Metadata != nil {
		msg.Metadata = *env.Metadata
	}

	switch env.Type {
	case TypeDelta:
		if env.Delta != nil {
			msg.content = env.Delta
		}
	case TypeNewSession:
		if env.NewSession != nil {
			msg.content = env.NewSession
		}
	case TypeScriptFinished:
		if env.ScriptFinished != nil {
			msg.content = env.ScriptFinished
		}
	case TypeSessionEvent:
		if env.SessionEvent != nil {
			msg.content = env.SessionEvent
		}
	case TypeRefHash:
		if env.RefHash == "" {
			return nil, fmt.Errorf("%w: reference without ref_hash", ErrMalformed)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if msg.content == nil {
		return nil, fmt.Errorf("%w: %s without payload", ErrMalformed, env.Type)
	}
	if msg.refHash != "" {
		return nil, fmt.Errorf("%w: %s with ref_hash", ErrMalformed, env.Type)
	}
	return msg, nil
}

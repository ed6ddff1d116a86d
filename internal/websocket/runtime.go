package websocket

import (
	"github.com/bhandras/deltarun/internal/runtime"
	"github.com/bhandras/deltarun/internal/script"
	"github.com/bhandras/deltarun/internal/wire"
)

// SessionRuntime is the part of the runtime a transport drives.
type SessionRuntime interface {
	CreateSession(client runtime.Client, userInfo script.UserInfo) (string, error)
	CloseSession(id string)
	HandleEvent(id string, msg *wire.BackMsg) error
	HandleEventDeserializationFailure(id string, err error) error
}

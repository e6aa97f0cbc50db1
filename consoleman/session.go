package consoleman

import (
	"context"

	"winglink/config"
	"winglink/wing"
)

// Session is the part of *wing.Console the manager drives.
type Session interface {
	SessionID() string
	Read() error
	Close() error
	Keepalive() error

	SetString(id uint32, value string) error
	SetFloat(id uint32, value float32) error
	SetInt(id uint32, value int32) error
	RequestNodeDefinition(id uint32) error
	RequestNodeData(id uint32) error

	OnRequestEnd(fn wing.RequestEndFunc, ctx interface{})
	OnNodeDefinition(fn wing.NodeDefinitionFunc, ctx interface{})
	OnNodeData(fn wing.NodeDataFunc, ctx interface{})

	Definition(id uint32) (*wing.NodeDefinition, bool)
	Data(id uint32) (*wing.NodeData, bool)
	Definitions() []*wing.NodeDefinition
}

// ConnectFunc opens a session to the console described by cfg.
type ConnectFunc func(ctx context.Context, cfg *config.ConsoleConfig) (Session, error)

// DialConsole is the ConnectFunc backed by wing.Connect.
func DialConsole(ctx context.Context, cfg *config.ConsoleConfig) (Session, error) {
	var opts []wing.Option
	if cfg.Port > 0 {
		opts = append(opts, wing.WithPort(cfg.Port))
	}
	c, err := wing.Connect(ctx, cfg.Address, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

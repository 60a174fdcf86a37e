package core

import (
	"errors"
	"sync"

	"quadenc/protocol"
)

var ErrUnknownCommand = errors.New("unknown command")

// CommandHandler decodes its own arguments from data and advances it
type CommandHandler func(data *[]byte) error

// Command is a host to MCU message bound to a handler
type Command struct {
	ID      uint8
	Name    string
	Handler CommandHandler
}

// CommandRegistry maps message ids to handlers
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[uint8]*Command
}

var globalRegistry = NewCommandRegistry()

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[uint8]*Command),
	}
}

// RegisterCommand binds a handler to a message id in the global registry
func RegisterCommand(id uint8, handler CommandHandler) {
	globalRegistry.Register(id, handler)
}

// Register binds handler to id. The name comes from the protocol table.
func (r *CommandRegistry) Register(id uint8, handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.commands[id] = &Command{
		ID:      id,
		Name:    protocol.MessageName(id),
		Handler: handler,
	}
}

func (r *CommandRegistry) GetCommand(id uint8) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[id]
	return cmd, ok
}

func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Dispatch calls the handler registered for id
func (r *CommandRegistry) Dispatch(id uint8, data *[]byte) error {
	cmd, ok := r.GetCommand(id)
	if !ok || cmd.Handler == nil {
		return ErrUnknownCommand
	}
	return cmd.Handler(data)
}

// DispatchCommand dispatches through the global registry
func DispatchCommand(id uint8, data *[]byte) error {
	return globalRegistry.Dispatch(id, data)
}

func GetGlobalRegistry() *CommandRegistry {
	return globalRegistry
}

package connect

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPluginNotFound is returned when a type identifier has no registered factory.
var ErrPluginNotFound = errors.New("plugin not found")

type (
	ConnectorFactory func() Connector
	TaskFactory      func() Task
	ConverterFactory func() Converter
)

var (
	mu         sync.RWMutex
	connectors = map[string]ConnectorFactory{}
	tasks      = map[string]TaskFactory{}
	converters = map[string]ConverterFactory{}
)

// RegisterConnector is called from each plugin's init().
func RegisterConnector(name string, f ConnectorFactory) {
	mu.Lock()
	connectors[name] = f
	mu.Unlock()
}

func RegisterTask(name string, f TaskFactory) {
	mu.Lock()
	tasks[name] = f
	mu.Unlock()
}

func RegisterConverter(name string, f ConverterFactory) {
	mu.Lock()
	converters[name] = f
	mu.Unlock()
}

func NewConnector(name string) (Connector, error) {
	mu.RLock()
	f, ok := connectors[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connector %q: %w", name, ErrPluginNotFound)
	}
	return f(), nil
}

func NewTask(name string) (Task, error) {
	mu.RLock()
	f, ok := tasks[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %q: %w", name, ErrPluginNotFound)
	}
	return f(), nil
}

func NewConverter(name string) (Converter, error) {
	mu.RLock()
	f, ok := converters[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("converter %q: %w", name, ErrPluginNotFound)
	}
	return f(), nil
}

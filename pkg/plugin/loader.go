package plugin

import (
	"errors"
	goplugin "plugin"
)

// Loader resolves shared objects into supplier factories.
type Loader interface {
	Load(path string) (Factory, error)
}

// GoPluginLoader uses the Go standard library plugin mechanism to dynamically load modules.
type GoPluginLoader struct{}

// Load opens the shared object and searches for a `Factory` symbol.
func (GoPluginLoader) Load(path string) (Factory, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Factory")
	if err != nil {
		return nil, err
	}
	switch f := symbol.(type) {
	case Factory:
		return f, nil
	case *Factory:
		if f == nil || *f == nil {
			return nil, errors.New("factory symbol is nil")
		}
		return *f, nil
	case func() Factory:
		return f(), nil
	default:
		return nil, errors.New("factory symbol must implement plugin.Factory")
	}
}

package server

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"reflect"
	"sort"

	"go.uber.org/zap"

	"dotrpc/message"
)

// PluginSymbol is the symbol AddPath looks up in every plugin. It may be a
// variable holding a service, or a func() any returning one.
const PluginSymbol = "Service"

// AddPath loads every Go plugin (*.so) in dir and adds the service it
// exports. It fails with message.ErrInvalidPath when dir does not exist or
// is not a directory.
func (svr *Server) AddPath(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", message.ErrInvalidPath, dir)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.so"))
	if err != nil {
		return fmt.Errorf("%w: %s", message.ErrInvalidPath, dir)
	}
	sort.Strings(files)

	for _, file := range files {
		svc, err := loadPlugin(file)
		if err != nil {
			return err
		}
		if err := svr.AddService(svc); err != nil {
			return fmt.Errorf("plugin %s: %w", file, err)
		}
		svr.log.Debug("plugin loaded", zap.String("file", file))
	}
	return nil
}

func loadPlugin(file string) (any, error) {
	p, err := plugin.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", file, err)
	}
	sym, err := p.Lookup(PluginSymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", file, err)
	}
	return pluginValue(sym), nil
}

// pluginValue unwraps a looked-up symbol. Lookup returns a pointer to
// exported variables, so *T for a variable of pointer or interface type is
// dereferenced.
func pluginValue(sym plugin.Symbol) any {
	if fn, ok := sym.(func() any); ok {
		return fn()
	}
	v := reflect.ValueOf(sym)
	if v.Kind() == reflect.Ptr && !v.IsNil() {
		switch v.Elem().Kind() {
		case reflect.Ptr, reflect.Interface:
			return v.Elem().Interface()
		}
	}
	return sym
}

package schema

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const loaderLogPrefix = "schema:loader"

// Catalog is a validated schema tree:
//
//	<root>/interfaces/<name>.yaml
//	<root>/errors/<file>.yaml
//	<root>/modules/<Module>/manifest.yaml
type Catalog struct {
	Interfaces map[string]*Interface
	ErrorLists map[string]*ErrorList
	Manifests  map[string]*Manifest
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		Interfaces: map[string]*Interface{},
		ErrorLists: map[string]*ErrorList{},
		Manifests:  map[string]*Manifest{},
	}
}

// LoadDir reads and cross-validates a schema tree.
func LoadDir(root string) (*Catalog, error) {
	c := NewCatalog()

	if err := loadYAMLDir(filepath.Join(root, "errors"), func(name, path string, data []byte) error {
		l, err := ParseErrorList(data)
		if err != nil {
			return withDocument(err, path)
		}
		c.ErrorLists[name] = l
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadYAMLDir(filepath.Join(root, "interfaces"), func(name, path string, data []byte) error {
		iface, err := ParseInterface(data)
		if err != nil {
			return withDocument(err, path)
		}
		c.Interfaces[name] = iface
		return nil
	}); err != nil {
		return nil, err
	}

	modulesDir := filepath.Join(root, "modules")
	entries, err := os.ReadDir(modulesDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s - failed to read %s: %w", loaderLogPrefix, modulesDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(modulesDir, e.Name(), "manifest.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%s - failed to read %s: %w", loaderLogPrefix, path, err)
		}
		m, err := ParseManifest(data)
		if err != nil {
			return nil, withDocument(err, path)
		}
		c.Manifests[e.Name()] = m
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	slog.Info(fmt.Sprintf("%s - Loaded %d interfaces, %d error lists, %d manifests from %s",
		loaderLogPrefix, len(c.Interfaces), len(c.ErrorLists), len(c.Manifests), root))
	return c, nil
}

func loadYAMLDir(dir string, fn func(name, path string, data []byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%s - failed to read %s: %w", loaderLogPrefix, dir, err)
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%s - failed to read %s: %w", loaderLogPrefix, path, err)
		}
		if err := fn(strings.TrimSuffix(e.Name(), ext), path, data); err != nil {
			return err
		}
	}
	return nil
}

func withDocument(err error, doc string) error {
	var se *SchemaError
	if errors.As(err, &se) {
		cp := *se
		cp.Document = doc
		return &cp
	}
	return err
}

// Interface returns the named interface.
func (c *Catalog) Interface(name string) (*Interface, error) {
	iface, ok := c.Interfaces[name]
	if !ok {
		return nil, fmt.Errorf("unknown interface %q", name)
	}
	return iface, nil
}

// ErrorList returns the error list of the given file stem.
func (c *Catalog) ErrorList(file string) (*ErrorList, error) {
	l, ok := c.ErrorLists[file]
	if !ok {
		return nil, fmt.Errorf("unknown error file %q", file)
	}
	return l, nil
}

// Manifest returns the manifest of the named module.
func (c *Catalog) Manifest(module string) (*Manifest, error) {
	m, ok := c.Manifests[module]
	if !ok {
		return nil, fmt.Errorf("unknown module %q", module)
	}
	return m, nil
}

// Validate checks cross-document references: error references must resolve
// and manifests may only name known interfaces.
func (c *Catalog) Validate() error {
	for _, name := range sortedKeys(c.Interfaces) {
		for idx, ref := range c.Interfaces[name].Errors {
			file, errName, err := ref.Split()
			if err != nil {
				return fieldError("interface "+name, fmt.Sprintf("errors[%d].reference", idx), "%v", err)
			}
			l, ok := c.ErrorLists[file]
			if !ok {
				return fieldError("interface "+name, fmt.Sprintf("errors[%d].reference", idx),
					"%q: error file %q not found", ref.Reference, file)
			}
			if errName != "" && !l.Has(errName) {
				return fieldError("interface "+name, fmt.Sprintf("errors[%d].reference", idx),
					"%q: error %q not defined in %q", ref.Reference, errName, file)
			}
		}
	}
	for _, module := range sortedKeys(c.Manifests) {
		m := c.Manifests[module]
		for _, id := range sortedKeys(m.Provides) {
			if _, ok := c.Interfaces[m.Provides[id].Interface]; !ok {
				return fieldError("manifest "+module, joinPath("provides", id, "interface"),
					"unknown interface %q", m.Provides[id].Interface)
			}
		}
		for _, id := range sortedKeys(m.Requires) {
			r := m.Requires[id]
			iface, ok := c.Interfaces[r.Interface]
			if !ok {
				return fieldError("manifest "+module, joinPath("requires", id, "interface"),
					"unknown interface %q", r.Interface)
			}
			for _, v := range r.Ignore.Vars {
				if _, ok := iface.Vars[v]; !ok {
					return fieldError("manifest "+module, joinPath("requires", id, "ignore", "vars"),
						"interface %q has no variable %q", r.Interface, v)
				}
			}
		}
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quic-interop/quic-interop-runner/internal/errors"
)

// Role is the set of perspectives an implementation can take.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
	RoleBoth   Role = "both"
)

// Serves reports whether the implementation can be used as a server.
func (r Role) Serves() bool { return r == RoleServer || r == RoleBoth }

// Dials reports whether the implementation can be used as a client.
func (r Role) Dials() bool { return r == RoleClient || r == RoleBoth }

func (r Role) valid() bool {
	switch r {
	case RoleServer, RoleClient, RoleBoth:
		return true
	}
	return false
}

// Implementation is one catalog entry. Image is a container image reference
// for the docker launcher and an executable path for the local launcher.
type Implementation struct {
	Name  string   `yaml:"-"`
	Image string   `yaml:"image"`
	URL   string   `yaml:"url"`
	Role  Role     `yaml:"role"`
	Tags  []string `yaml:"tags,omitempty"`
}

// HasTag reports whether the implementation carries tag.
func (i Implementation) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Catalog is the ordered set of implementations under test. Order follows
// the catalog file and drives the row and column order of the result matrix.
type Catalog struct {
	impls []Implementation
	index map[string]int
}

// LoadCatalog reads an implementations file. JSON (implementations_quic.json)
// is accepted as a subset of YAML.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapCatalogError(fmt.Errorf("read catalog: %w", err), path)
	}
	cat, err := ParseCatalog(data)
	if err != nil {
		return nil, errors.WrapCatalogError(err, path)
	}
	return cat, nil
}

// ParseCatalog decodes a mapping of implementation name to entry, keeping
// the document order.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("catalog must be a mapping of name to implementation (line %d)", root.Line)
	}

	cat := &Catalog{index: make(map[string]int)}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		var impl Implementation
		if err := value.Decode(&impl); err != nil {
			return nil, fmt.Errorf("implementation %q: %w", key.Value, err)
		}
		impl.Name = key.Value
		if err := cat.add(impl); err != nil {
			return nil, fmt.Errorf("line %d: %w", key.Line, err)
		}
	}
	if len(cat.impls) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	return cat, nil
}

// NewCatalog builds a catalog from entries in the given order.
func NewCatalog(impls ...Implementation) (*Catalog, error) {
	cat := &Catalog{index: make(map[string]int)}
	for _, impl := range impls {
		if err := cat.add(impl); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

func (c *Catalog) add(impl Implementation) error {
	if impl.Name == "" {
		return fmt.Errorf("implementation name is empty")
	}
	if strings.ContainsAny(impl.Name, " /_") {
		return fmt.Errorf("implementation %q: name must not contain spaces, slashes or underscores", impl.Name)
	}
	if _, dup := c.index[impl.Name]; dup {
		return fmt.Errorf("duplicate implementation %q", impl.Name)
	}
	if impl.Image == "" {
		return fmt.Errorf("implementation %q: image is required", impl.Name)
	}
	if !impl.Role.valid() {
		return fmt.Errorf("implementation %q: unknown role %q", impl.Name, impl.Role)
	}
	c.index[impl.Name] = len(c.impls)
	c.impls = append(c.impls, impl)
	return nil
}

// All returns every implementation in catalog order.
func (c *Catalog) All() []Implementation {
	return append([]Implementation(nil), c.impls...)
}

// Get returns the named implementation.
func (c *Catalog) Get(name string) (Implementation, bool) {
	i, ok := c.index[name]
	if !ok {
		return Implementation{}, false
	}
	return c.impls[i], true
}

// Servers returns the implementations that can act as a server.
func (c *Catalog) Servers() []Implementation {
	var out []Implementation
	for _, impl := range c.impls {
		if impl.Role.Serves() {
			out = append(out, impl)
		}
	}
	return out
}

// Clients returns the implementations that can act as a client.
func (c *Catalog) Clients() []Implementation {
	var out []Implementation
	for _, impl := range c.impls {
		if impl.Role.Dials() {
			out = append(out, impl)
		}
	}
	return out
}

// Replace overrides the image of an implementation. The argument has the
// form name=image.
func (c *Catalog) Replace(arg string) error {
	name, image, ok := strings.Cut(arg, "=")
	if !ok || name == "" || image == "" {
		return fmt.Errorf("invalid replace %q (want name=image)", arg)
	}
	i, found := c.index[name]
	if !found {
		return fmt.Errorf("implementation %q not found", name)
	}
	c.impls[i].Image = image
	return nil
}

// Select resolves a comma separated list of names against candidates. An
// empty list selects all candidates.
func Select(candidates []Implementation, list string) ([]Implementation, error) {
	if strings.TrimSpace(list) == "" {
		return candidates, nil
	}
	byName := make(map[string]Implementation, len(candidates))
	for _, impl := range candidates {
		byName[impl.Name] = impl
	}
	var out []Implementation
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		impl, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("implementation %q not found or has the wrong role", name)
		}
		out = append(out, impl)
	}
	return out, nil
}

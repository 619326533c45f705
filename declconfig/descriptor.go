// Package declconfig loads dependency descriptors from YAML or TOML files,
// the declarative alternative to wiring a DependencyModelConfig by hand in
// Go. It decodes straight into typed descriptors rather than an arbitrary
// struct, since a dependency descriptor's shape is fixed.
package declconfig

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"

	"github.com/arvoselect/depresolver"
)

// Descriptor is the on-disk shape of a single dependency declaration, the
// fields a component author would otherwise set on DependencyModelConfig
// programmatically.
type Descriptor struct {
	ID            string            `yaml:"id" toml:"id"`
	Specification string            `yaml:"specification" toml:"specification"`
	Filter        string            `yaml:"filter" toml:"filter"`
	Aggregate     bool              `yaml:"aggregate" toml:"aggregate"`
	Optional      bool              `yaml:"optional" toml:"optional"`
	Policy        string            `yaml:"policy" toml:"policy"`
	Comparator    string            `yaml:"comparator-class" toml:"comparator-class"`
	Target        map[string]string `yaml:"target" toml:"target"`
}

// Identity builds the dependency identity property set an interceptor
// target filter is matched against, combining the descriptor's own id and
// specification with whatever extra identity keys (bundle.symbolic-name,
// instance.name, and so on) it declares under target.
func (d Descriptor) Identity() map[string]string {
	identity := make(map[string]string, len(d.Target)+2)
	for k, v := range d.Target {
		identity[k] = v
	}
	identity[depresolver.PropDependencyID] = d.ID
	identity[depresolver.PropDependencySpec] = d.Specification
	return identity
}

// BindingPolicy resolves the descriptor's textual policy to the resolver's
// enum, defaulting to dynamic when unset, and failing with ErrUnknownPolicy
// for anything unrecognised.
func (d Descriptor) BindingPolicy() (depresolver.BindingPolicy, error) {
	switch d.Policy {
	case "", "dynamic":
		return depresolver.DynamicBindingPolicy, nil
	case "static":
		return depresolver.StaticBindingPolicy, nil
	case "dynamic-priority":
		return depresolver.DynamicPriorityBindingPolicy, nil
	default:
		return 0, fmt.Errorf("%w: %q", depresolver.ErrUnknownPolicy, d.Policy)
	}
}

// ResolveComparator looks up the descriptor's named comparator via
// depresolver.RegisterComparator. An empty Comparator field resolves to
// (nil, nil): "no comparator configured".
func (d Descriptor) ResolveComparator() (depresolver.Comparator, error) {
	if d.Comparator == "" {
		return nil, nil
	}
	cmp, ok := depresolver.LookupComparator(d.Comparator)
	if !ok {
		return nil, fmt.Errorf("%w: %q", depresolver.ErrUnloadableComparator, d.Comparator)
	}
	return cmp, nil
}

// Reconfigurable is the subset of DependencyModel's reconfiguration surface
// Apply drives, declared narrowly so Apply's collaborator stays mockable in
// tests without a live Registry.
type Reconfigurable interface {
	SetFilter(expr string) error
	SetComparator(cmp depresolver.Comparator) error
	SetAggregate(aggregate bool) error
	SetOptionality(optional bool) error
}

// Apply drives dep's four reconfiguration entry points from a decoded
// Descriptor: filter, comparator, aggregate, optionality, in that order.
// Policy and Specification are construction-time only and are not applied
// here — those require a fresh DependencyModelConfig.
func Apply(dep Reconfigurable, d Descriptor) error {
	if err := dep.SetFilter(d.Filter); err != nil {
		return fmt.Errorf("apply filter: %w", err)
	}
	cmp, err := d.ResolveComparator()
	if err != nil {
		return fmt.Errorf("resolve comparator: %w", err)
	}
	if err := dep.SetComparator(cmp); err != nil {
		return fmt.Errorf("apply comparator: %w", err)
	}
	if err := dep.SetAggregate(d.Aggregate); err != nil {
		return fmt.Errorf("apply aggregate: %w", err)
	}
	if err := dep.SetOptionality(d.Optional); err != nil {
		return fmt.Errorf("apply optionality: %w", err)
	}
	return nil
}

// LoadYAML decodes a YAML descriptor file.
func LoadYAML(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read descriptor: %w", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("decode yaml descriptor: %w", err)
	}
	return d, nil
}

// LoadTOML decodes a TOML descriptor file.
func LoadTOML(path string) (Descriptor, error) {
	var d Descriptor
	if _, err := toml.DecodeFile(path, &d); err != nil {
		return Descriptor{}, fmt.Errorf("decode toml descriptor: %w", err)
	}
	return d, nil
}

// LoadYAMLSet decodes a YAML file containing a list of descriptors under a
// top-level "dependencies" key, the shape a component's full configuration
// would actually use.
func LoadYAMLSet(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor set: %w", err)
	}
	var wrapper struct {
		Dependencies []Descriptor `yaml:"dependencies"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("decode yaml descriptor set: %w", err)
	}
	return wrapper.Dependencies, nil
}

// CoerceProperty converts a raw string value (e.g. an environment-sourced
// override for a Descriptor field) onto target, a pointer to the field being
// set. Any source value that is not a string is rejected with an error.
func CoerceProperty(raw any, target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("coercion target must be a non-nil pointer, got %T", target)
	}
	elem := rv.Elem()
	str, ok := raw.(string)
	if !ok {
		return fmt.Errorf("coercion source must be a string, got %T", raw)
	}
	converted, err := cast.FromType(str, elem.Type())
	if err != nil {
		return fmt.Errorf("cannot convert value to type %v: %w", elem.Type(), err)
	}
	if !elem.CanSet() {
		return fmt.Errorf("target field cannot be set")
	}
	elem.Set(reflect.ValueOf(converted))
	return nil
}

// ApplyEnvOverrides overlays environment variables onto d's scalar fields,
// the prefixed-env-var idiom an operator uses to tweak a single descriptor
// field (specification, aggregate, optional, filter, policy,
// comparator-class) without
// editing the on-disk file. A variable named prefix + the field's uppercased
// yaml tag (e.g. "DEP_GREETER_" + "AGGREGATE") is coerced with CoerceProperty
// onto the matching field; Target and ID are left alone since neither is a
// sensible env override. Absent variables leave the field untouched.
func ApplyEnvOverrides(d *Descriptor, prefix string) error {
	rv := reflect.ValueOf(d).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if field.Name == "ID" || field.Name == "Target" {
			continue
		}
		tag := field.Tag.Get("yaml")
		if tag == "" {
			continue
		}
		envName := prefix + strings.ToUpper(strings.ReplaceAll(tag, "-", "_"))
		raw, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}
		if err := CoerceProperty(raw, rv.Field(i).Addr().Interface()); err != nil {
			return fmt.Errorf("override %s: %w", envName, err)
		}
	}
	return nil
}

package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var (
	ErrTypeNotFound   = errors.New("registry: type not found")
	ErrTypeExists     = errors.New("registry: type already registered")
	ErrInvalidEntry   = errors.New("registry: invalid entry")
	ErrDecode         = errors.New("registry: decode failed")
	ErrEncode         = errors.New("registry: encode failed")
	ErrNilMessage     = errors.New("registry: nil message")
	ErrUnnamedMessage = errors.New("registry: no wire name for message")
)

// Named lets a message carry its own wire type name.
type Named interface {
	WireName() string
}

// DecodeFunc decodes one payload into a fresh value.
type DecodeFunc func(payload []byte) (any, error)

// EncodeFunc renders a value as UTF-8 JSON.
type EncodeFunc func(v any) ([]byte, error)

// Entry describes one decodable message variant.
type Entry struct {
	Name   string
	Type   reflect.Type
	Decode DecodeFunc
	Encode EncodeFunc
}

func (e Entry) validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidEntry)
	}
	if e.Type == nil {
		return fmt.Errorf("%w: %s missing type", ErrInvalidEntry, e.Name)
	}
	if e.Decode == nil || e.Encode == nil {
		return fmt.Errorf("%w: %s missing codec", ErrInvalidEntry, e.Name)
	}
	return nil
}

// Scope is one named lookup context mapping wire names to variants.
type Scope struct {
	name string

	mu     sync.RWMutex
	byName map[string]Entry
	byType map[reflect.Type]string
}

func NewScope(name string) *Scope {
	return &Scope{
		name:   name,
		byName: make(map[string]Entry),
		byType: make(map[reflect.Type]string),
	}
}

func (s *Scope) Name() string {
	return s.name
}

// Add registers e. The first name registered for a Go type is the one used
// when encoding values of that type.
func (s *Scope) Add(e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[e.Name]; ok {
		return fmt.Errorf("%w: %s in scope %s", ErrTypeExists, e.Name, s.name)
	}
	s.byName[e.Name] = e
	if _, ok := s.byType[e.Type]; !ok {
		s.byType[e.Type] = e.Name
	}
	return nil
}

func (s *Scope) lookup(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byName[name]
	return e, ok
}

func (s *Scope) nameOf(t reflect.Type) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.byType[t]
	return name, ok
}

// Names lists the wire names registered in the scope.
func (s *Scope) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byName))
	for name := range s.byName {
		out = append(out, name)
	}
	return out
}

// Register adds V to scope under name, encoded with encoding/json. Decoded
// values are V, not *V.
func Register[V any](scope *Scope, name string) error {
	t := reflect.TypeFor[V]()
	return scope.Add(Entry{
		Name: name,
		Type: t,
		Decode: func(payload []byte) (any, error) {
			var v V
			if err := json.Unmarshal(normalizePayload(payload), &v); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrDecode, name, err)
			}
			return v, nil
		},
		Encode: func(v any) ([]byte, error) {
			out, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrEncode, name, err)
			}
			return out, nil
		},
	})
}

// RegisterProto adds the concrete type of prototype to scope, using the
// protobuf JSON mapping. Decoded values are fresh messages of the same type.
func RegisterProto(scope *Scope, name string, prototype proto.Message) error {
	if prototype == nil {
		return fmt.Errorf("%w: %s nil prototype", ErrInvalidEntry, name)
	}
	mt := prototype.ProtoReflect().Type()
	return scope.Add(Entry{
		Name: name,
		Type: reflect.TypeOf(prototype),
		Decode: func(payload []byte) (any, error) {
			msg := mt.New().Interface()
			if err := protojson.Unmarshal(normalizePayload(payload), msg); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrDecode, name, err)
			}
			return msg, nil
		},
		Encode: func(v any) ([]byte, error) {
			msg, ok := v.(proto.Message)
			if !ok {
				return nil, fmt.Errorf("%w: %s: %T is not a proto message", ErrEncode, name, v)
			}
			out, err := protojson.Marshal(msg)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrEncode, name, err)
			}
			return out, nil
		},
	})
}

// An empty payload stands for the variant's default instance.
func normalizePayload(payload []byte) []byte {
	if len(bytes.TrimSpace(payload)) == 0 {
		return []byte("{}")
	}
	return payload
}

// Registry resolves wire names across an ordered list of scopes: the
// default scope first, then each additional scope in configuration order.
type Registry struct {
	mu     sync.RWMutex
	scopes []*Scope
}

// New returns a registry whose first scope is def.
func New(def *Scope, additional ...*Scope) *Registry {
	if def == nil {
		def = NewScope("default")
	}
	r := &Registry{scopes: []*Scope{def}}
	r.Append(additional...)
	return r
}

// Default returns the registry's own scope.
func (r *Registry) Default() *Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scopes[0]
}

// Append adds scopes after the ones already configured.
func (r *Registry) Append(scopes ...*Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range scopes {
		if s != nil {
			r.scopes = append(r.scopes, s)
		}
	}
}

// Scopes returns the resolution order.
func (r *Registry) Scopes() []*Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Scope, len(r.scopes))
	copy(out, r.scopes)
	return out
}

// Resolve finds the entry for a wire name; first match wins.
func (r *Registry) Resolve(name string) (Entry, error) {
	for _, s := range r.Scopes() {
		if e, ok := s.lookup(name); ok {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %q", ErrTypeNotFound, name)
}

// NameOf returns the wire name for v's dynamic type.
func (r *Registry) NameOf(v any) (string, error) {
	if v == nil {
		return "", ErrNilMessage
	}
	if n, ok := v.(Named); ok {
		if name := strings.TrimSpace(n.WireName()); name != "" {
			return name, nil
		}
	}
	t := reflect.TypeOf(v)
	for _, s := range r.Scopes() {
		if name, ok := s.nameOf(t); ok {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnnamedMessage, t)
}

// Marshal resolves v's wire name and serializes it with that entry's codec.
// Named values without a registered entry fall back to encoding/json.
func (r *Registry) Marshal(v any) (string, []byte, error) {
	name, err := r.NameOf(v)
	if err != nil {
		return "", nil, err
	}
	e, err := r.Resolve(name)
	if err != nil {
		if _, named := v.(Named); !named {
			return "", nil, err
		}
		payload, jerr := json.Marshal(v)
		if jerr != nil {
			return "", nil, fmt.Errorf("%w: %s: %v", ErrEncode, name, jerr)
		}
		return name, payload, nil
	}
	payload, err := e.Encode(v)
	if err != nil {
		return "", nil, err
	}
	return name, payload, nil
}

// Unmarshal resolves name and decodes payload with the matching entry.
func (r *Registry) Unmarshal(name string, payload []byte) (any, error) {
	e, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return e.Decode(payload)
}

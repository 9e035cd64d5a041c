// Package registry holds the objects a service exposes to remote callers.
//
// Two tables are kept behind one lock:
//
//	objects: name → object                       (resolution {named: name})
//	classes: class → selector → accessor func    (resolution {accessor: selector} + targetClass)
//
// Class accessors are registered explicitly at startup; nothing is discovered from runtime
// type information. Registering a name twice replaces the earlier object.
package registry

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"

	"go.uber.org/zap"

	"mini-rmi/message"
)

// Accessor returns the object a zero-argument class-level selector designates,
// typically a shared instance.
type Accessor func() (any, error)

type Registry struct {
	mu      sync.RWMutex
	objects map[string]any
	classes map[string]map[string]Accessor
	logger  *zap.Logger
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		objects: make(map[string]any),
		classes: make(map[string]map[string]Accessor),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds name to obj. An existing binding is replaced.
func (r *Registry) Register(name string, obj any) error {
	if name == "" {
		return fmt.Errorf("registry: empty name")
	}
	if isNil(obj) {
		return fmt.Errorf("registry: nil object for %q", name)
	}

	r.mu.Lock()
	_, replaced := r.objects[name]
	r.objects[name] = obj
	r.mu.Unlock()

	if replaced {
		r.logger.Info("registered object replaced", zap.String("name", name), zap.String("type", typeName(obj)))
	} else {
		r.logger.Debug("object registered", zap.String("name", name), zap.String("type", typeName(obj)))
	}
	return nil
}

// Unregister removes the binding for name and reports whether one existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.objects[name]
	delete(r.objects, name)
	return ok
}

// Lookup returns the object registered under name.
func (r *Registry) Lookup(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[name]
	return obj, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.objects))
	for name := range r.objects {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// RegisterClass declares class with its accessors, replacing any earlier declaration.
func (r *Registry) RegisterClass(class string, accessors map[string]Accessor) error {
	if class == "" {
		return fmt.Errorf("registry: empty class name")
	}
	table := make(map[string]Accessor, len(accessors))
	for selector, fn := range accessors {
		if selector == "" || fn == nil {
			return fmt.Errorf("registry: invalid accessor %q on class %q", selector, class)
		}
		table[selector] = fn
	}

	r.mu.Lock()
	r.classes[class] = table
	r.mu.Unlock()
	return nil
}

// RegisterAccessor adds one accessor, declaring class if needed.
func (r *Registry) RegisterAccessor(class, selector string, fn Accessor) error {
	if class == "" || selector == "" || fn == nil {
		return fmt.Errorf("registry: invalid accessor %q on class %q", selector, class)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	table, ok := r.classes[class]
	if !ok {
		table = make(map[string]Accessor)
		r.classes[class] = table
	}
	table[selector] = fn
	return nil
}

// Resolve finds the target of an invocation.
//
//   - named:    NotFound if nothing is registered under the name.
//   - accessor: UnknownClass if targetClass was never declared; AccessorFailed if the selector
//     is not one of its accessors, or the accessor fails, panics or returns nil.
//
// The lock is released before an accessor runs, so accessors may use the registry themselves.
func (r *Registry) Resolve(res message.Resolution, targetClass string) (any, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	if !res.IsAccessor() {
		obj, ok := r.Lookup(res.Named)
		if !ok {
			return nil, message.Errorf(message.KindNotFound, "no object registered as %q", res.Named)
		}
		return obj, nil
	}

	r.mu.RLock()
	table, ok := r.classes[targetClass]
	var fn Accessor
	if ok {
		fn = table[res.Accessor]
	}
	r.mu.RUnlock()

	if !ok {
		return nil, message.Errorf(message.KindUnknownClass, "unknown class %q", targetClass)
	}
	if fn == nil {
		return nil, message.Errorf(message.KindAccessorFailed, "class %q has no accessor %q", targetClass, res.Accessor)
	}
	return r.callAccessor(targetClass, res.Accessor, fn)
}

func (r *Registry) callAccessor(class, selector string, fn Accessor) (obj any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("accessor panicked",
				zap.String("class", class), zap.String("selector", selector),
				zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			obj, err = nil, message.Errorf(message.KindAccessorFailed, "%s.%s panicked: %v", class, selector, p)
		}
	}()

	obj, err = fn()
	if err != nil {
		return nil, message.Errorf(message.KindAccessorFailed, "%s.%s: %v", class, selector, err)
	}
	if isNil(obj) {
		return nil, message.Errorf(message.KindAccessorFailed, "%s.%s returned nil", class, selector)
	}
	return obj, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func typeName(v any) string {
	return reflect.TypeOf(v).String()
}

// Default is the process-wide registry used by the package-level functions.
var Default = New()

// Register binds name to obj in Default.
func Register(name string, obj any) error {
	return Default.Register(name, obj)
}

// Unregister removes name from Default.
func Unregister(name string) bool {
	return Default.Unregister(name)
}

// RegisterAccessor adds an accessor to Default.
func RegisterAccessor(class, selector string, fn Accessor) error {
	return Default.RegisterAccessor(class, selector, fn)
}

// RegisterClass declares a class in Default.
func RegisterClass(class string, accessors map[string]Accessor) error {
	return Default.RegisterClass(class, accessors)
}

// Resolve resolves against Default.
func Resolve(res message.Resolution, targetClass string) (any, error) {
	return Default.Resolve(res, targetClass)
}

package device

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/arrudagates/ponder/internal/logger"
)

type entry struct {
	def   *Definition
	codec Codec
}

// Registry 保存设备定义和设备标识到型号的绑定
type Registry struct {
	mu       sync.RWMutex
	models   map[string]*entry
	bindings map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		models:   make(map[string]*entry),
		bindings: make(map[string]string),
	}
}

// AddDefinition 注册一个定义并为其创建编解码器，同名型号被替换
func (r *Registry) AddDefinition(def *Definition) error {
	codec, err := NewCodec(def)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.models[def.Model]; exists {
		logger.WarnF("Device definition %s replaced", def.Model)
	}
	r.models[def.Model] = &entry{def: def, codec: codec}
	return nil
}

// LoadFS 加载目录下所有 .yaml/.yml 定义
func (r *Registry) LoadFS(fsys fs.FS, dir string) (int, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return 0, fmt.Errorf("read definitions dir %s: %w", dir, err)
	}
	loaded := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return loaded, fmt.Errorf("read definition %s: %w", name, err)
		}
		def, err := ParseDefinition(data)
		if err != nil {
			return loaded, fmt.Errorf("definition %s: %w", name, err)
		}
		if err := r.AddDefinition(def); err != nil {
			return loaded, fmt.Errorf("definition %s: %w", name, err)
		}
		logger.DebugF("Loaded device definition %s (%s) from %s", def.Model, def.Codec, name)
		loaded++
	}
	return loaded, nil
}

// LoadDir 从本地目录加载定义
func (r *Registry) LoadDir(dir string) (int, error) {
	return r.LoadFS(os.DirFS(dir), ".")
}

func (r *Registry) Definition(model string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.models[model]
	if !ok {
		return nil, false
	}
	return e.def, true
}

func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.models))
	for _, e := range r.models {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Bind 把设备标识绑定到已注册的型号
func (r *Registry) Bind(deviceID, model string) error {
	if deviceID == "" {
		return fmt.Errorf("%w: empty device id", ErrUnknownDevice)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[model]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	r.bindings[deviceID] = model
	return nil
}

func (r *Registry) Unbind(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bindings[deviceID]
	delete(r.bindings, deviceID)
	return ok
}

// Bindings 返回所有绑定的拷贝
func (r *Registry) Bindings() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.bindings))
	for id, model := range r.bindings {
		out[id] = model
	}
	return out
}

// ResolveModel 实现 session.Resolver
func (r *Registry) ResolveModel(deviceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	model, ok := r.bindings[deviceID]
	return model, ok
}

// Resolve 返回设备绑定的定义和编解码器
func (r *Registry) Resolve(deviceID string) (*Definition, Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	model, ok := r.bindings[deviceID]
	if !ok {
		return nil, nil, false
	}
	e, ok := r.models[model]
	if !ok {
		return nil, nil, false
	}
	return e.def, e.codec, true
}

// MatchState 根据状态主题找到对应的已绑定设备
func (r *Registry) MatchState(topic string) (string, *Definition, Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.models {
		id, ok := e.def.MatchStateTopic(topic)
		if !ok {
			continue
		}
		if r.bindings[id] != e.def.Model {
			continue
		}
		return id, e.def, e.codec, true
	}
	return "", nil, nil, false
}

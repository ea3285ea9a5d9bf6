package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Script is one behavior source file, loaded once at engine creation and
// fed into every interpreter that needs it.
type Script struct {
	Name   string
	Source string
}

// manifest mirrors scripts/kinds.yaml: shared sources loaded into every
// object's interpreter, plus per-kind behavior sources.
type manifest struct {
	Shared []string            `yaml:"shared"`
	Kinds  map[string][]string `yaml:"kinds"`
}

// Engine holds the behavior script library. Object interpreters are created
// per object elsewhere; the engine only answers "which sources does an object
// of this kind run". Safe for concurrent reads after construction.
type Engine struct {
	shared []Script
	kinds  map[string][]Script
	log    *zap.Logger
}

// NewEngine reads the kind manifest and all referenced scripts from dir.
// A missing directory yields an empty engine (objects run with no behavior),
// which is valid for worlds that only route messages.
func NewEngine(dir string, log *zap.Logger) (*Engine, error) {
	e := &Engine{kinds: make(map[string][]Script), log: log}

	data, err := os.ReadFile(filepath.Join(dir, "kinds.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("no script manifest, objects will have no behavior",
				zap.String("dir", dir))
			return e, nil
		}
		return nil, fmt.Errorf("read script manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse script manifest: %w", err)
	}

	e.shared, err = loadScripts(dir, m.Shared)
	if err != nil {
		return nil, fmt.Errorf("load shared scripts: %w", err)
	}
	for kind, files := range m.Kinds {
		scripts, err := loadScripts(dir, files)
		if err != nil {
			return nil, fmt.Errorf("load %s scripts: %w", kind, err)
		}
		e.kinds[kind] = scripts
		log.Debug("loaded behavior scripts",
			zap.String("kind", kind), zap.Int("files", len(scripts)))
	}
	return e, nil
}

func loadScripts(dir string, files []string) ([]Script, error) {
	scripts := make([]Script, 0, len(files))
	for _, name := range files {
		src, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		scripts = append(scripts, Script{Name: name, Source: string(src)})
	}
	return scripts, nil
}

// SourcesFor returns the scripts a fresh interpreter for the given kind must
// run, shared sources first.
func (e *Engine) SourcesFor(kind string) []Script {
	perKind := e.kinds[kind]
	out := make([]Script, 0, len(e.shared)+len(perKind))
	out = append(out, e.shared...)
	out = append(out, perKind...)
	return out
}

// Package prompts loads the prompt templates agents are invoked with, from
// an embedded default set with an optional on-disk override directory that
// lets an operator customize the shipped defaults.
package prompts

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed embedded_prompts
var embedded embed.FS

// Prompt is a parsed prompt: YAML frontmatter plus a markdown body.
type Prompt struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Category     string   `yaml:"category"`
	Tags         []string `yaml:"tags"`
	Body         string   `yaml:"-"`
	RelativePath string   `yaml:"-"`
}

// Loader resolves prompts from an override directory when one is set and
// exists, and from the embedded set otherwise. An existing override
// directory replaces the embedded set as a whole: a prompt id it lacks is
// not looked up in the embedded set.
type Loader struct {
	overrideDir string
}

func NewLoader(overrideDir string) *Loader {
	return &Loader{overrideDir: overrideDir}
}

// List returns every available prompt.
func (l *Loader) List() ([]Prompt, error) {
	var prompts []Prompt
	err := l.walk(func(path string, content []byte) error {
		p, err := parse(path, content)
		if err != nil {
			return fmt.Errorf("parse prompt %s: %w", path, err)
		}
		prompts = append(prompts, p)
		return nil
	})
	return prompts, err
}

// Load returns the prompt with the given id.
func (l *Loader) Load(id string) (*Prompt, error) {
	prompts, err := l.List()
	if err != nil {
		return nil, err
	}
	for _, p := range prompts {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("prompt not found: %s", id)
}

func (l *Loader) walk(fn func(path string, content []byte) error) error {
	if l.overrideDir != "" {
		if info, err := os.Stat(l.overrideDir); err == nil && info.IsDir() {
			return filepath.WalkDir(l.overrideDir, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() || !strings.HasSuffix(path, ".prompt.md") {
					return nil
				}
				content, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				rel, _ := filepath.Rel(l.overrideDir, path)
				return fn(rel, content)
			})
		}
	}

	return fs.WalkDir(embedded, "embedded_prompts", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".prompt.md") {
			return nil
		}
		content, err := embedded.ReadFile(path)
		if err != nil {
			return err
		}
		return fn(path, content)
	})
}

func parse(path string, content []byte) (Prompt, error) {
	var p Prompt
	p.RelativePath = path

	parts := strings.SplitN(string(content), "---", 3)
	if len(parts) < 3 {
		return p, fmt.Errorf("missing YAML frontmatter delimiters")
	}
	if err := yaml.Unmarshal([]byte(parts[1]), &p); err != nil {
		return p, fmt.Errorf("parse frontmatter: %w", err)
	}
	p.Body = strings.TrimSpace(parts[2])
	return p, nil
}

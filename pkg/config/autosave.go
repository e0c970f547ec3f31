package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Autosave wraps a Config with write-back: calibration results are set
// as options and saved to the original file, with a timestamped backup
// of the previous contents. Sections keep their file order; only the
// touched options change value.
type Autosave struct {
	*Config

	mu    sync.Mutex
	path  string
	dirty bool
}

// NewAutosave wraps an already loaded Config.
func NewAutosave(cfg *Config, path string) *Autosave {
	return &Autosave{Config: cfg, path: path}
}

// LoadAutosave loads a configuration file for read-modify-save use.
func LoadAutosave(path string) (*Autosave, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewAutosave(cfg, path), nil
}

// SetOption sets an option value, creating the section if needed. The
// change is held in memory until Save.
func (a *Autosave) SetOption(section, option, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Config.setOption(section, option, value)
	a.dirty = true
}

// SetFloat sets a float option, formatted to four decimals.
func (a *Autosave) SetFloat(section, option string, value float64) {
	a.SetOption(section, option, strconv.FormatFloat(value, 'f', 4, 64))
}

// HasChanges reports whether there are unsaved changes.
func (a *Autosave) HasChanges() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty
}

// Path returns the file the configuration was loaded from.
func (a *Autosave) Path() string { return a.path }

// Save backs up the current file and atomically replaces it with the
// in-memory configuration.
func (a *Autosave) Save() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.backup(); err != nil {
		return fmt.Errorf("config: backup failed: %w", err)
	}

	content := a.render()
	dir := filepath.Dir(a.path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: save failed: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: save failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: save failed: %w", err)
	}
	if err := os.Rename(tmpPath, a.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: save failed: %w", err)
	}

	a.dirty = false
	return nil
}

// backup copies the current file aside as name-20060102_150405.ext.
// A missing original is not an error, the first save creates it.
func (a *Autosave) backup() error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	ext := filepath.Ext(a.path)
	base := strings.TrimSuffix(a.path, ext)
	stamp := time.Now().Format("20060102_150405")
	return os.WriteFile(fmt.Sprintf("%s-%s%s", base, stamp, ext), data, 0644)
}

// render builds the file contents: sections in file order, options
// sorted within each section.
func (a *Autosave) render() string {
	c := a.Config
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder
	for i, name := range c.order {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("[")
		sb.WriteString(name)
		sb.WriteString("]\n")

		opts := c.sections[name].options
		keys := make([]string, 0, len(opts))
		for k := range opts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(opts[k])
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Reload replaces the in-memory configuration with the file contents,
// discarding unsaved changes.
func (a *Autosave) Reload() error {
	cfg, err := Load(a.path)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Config = cfg
	a.dirty = false
	return nil
}

// Package config reads and writes the machine configuration file: an
// INI dialect with "#" and ";" comments and "key: value" or
// "key = value" options. Sections and options record every access so
// startup can warn about entries nothing consumed, and an Autosave
// wrapper writes calibration results back without disturbing the rest
// of the file.
package config

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Config is a parsed configuration file.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string

	accessed map[string]struct{}
}

// New returns an empty Config.
func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
		accessed: make(map[string]struct{}),
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c := New()
	if err := c.parse(f); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses a configuration from a string.
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(strings.NewReader(data)); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parse(r io.Reader) error {
	var section string
	var options map[string]string

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if section != "" {
				c.addSection(section, options)
			}
			section = strings.TrimSpace(line[1 : len(line)-1])
			if section == "" {
				return parseError(lineNum, "empty section header")
			}
			options = make(map[string]string)
			continue
		}

		// Options before the first section header have no home.
		if section == "" {
			continue
		}

		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			kv = strings.SplitN(line, "=", 2)
		}
		if len(kv) != 2 {
			return parseError(lineNum, "expected key: value, got "+strconv.Quote(line))
		}
		key := strings.TrimSpace(kv[0])
		if key == "" {
			return parseError(lineNum, "empty option name")
		}
		options[key] = strings.TrimSpace(kv[1])
	}
	if section != "" {
		c.addSection(section, options)
	}
	return scanner.Err()
}

// addSection stores a section, merging options into an existing section
// of the same name.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// setOption stores a single option, creating the section if needed.
// Access tracking is not touched.
func (c *Config) setOption(section, option, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[section]
	if !ok {
		c.sections[section] = newSection(section, map[string]string{option: value})
		c.order = append(c.order, section)
		return
	}
	sec.options[strings.ToLower(option)] = value
}

// GetSection returns a section by name, or an error if it is missing.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if !ok {
		return nil, missingSection(name)
	}
	c.accessed[name] = struct{}{}
	return sec, nil
}

// GetSectionOptional returns a section by name, or nil if it is missing.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if ok {
		c.accessed[name] = struct{}{}
	}
	return sec
}

// HasSection reports whether a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns all section names in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, len(c.order))
	copy(names, c.order)
	return names
}

// Unused lists the sections and options that were never accessed, for
// startup warnings about configuration nothing consumed.
func (c *Config) Unused() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for _, name := range c.order {
		if _, ok := c.accessed[name]; !ok {
			out = append(out, "section ["+name+"]")
			continue
		}
		sec := c.sections[name]
		opts := sec.unusedOptions()
		sort.Strings(opts)
		for _, opt := range opts {
			out = append(out, "option "+opt+" in ["+name+"]")
		}
	}
	return out
}

// Package command parses and dispatches the textual console language
// of the calibration host: the probe command, the G32 calibration
// family and the M-code get/set group. Command output goes through the
// same reporter interface the calibration routines use, so a console,
// a log file and the monitor stream all see identical lines.
package command

import (
	"regexp"
	"strconv"
	"strings"
)

// Command is one parsed console command: an uppercase name and its
// single letter arguments. A flag without a value maps to the empty
// string.
type Command struct {
	Name string
	Args map[string]string
	Raw  string
}

var parenComment = regexp.MustCompile(`\([^)]*\)`)

// Parse splits a console line into a command. Blank lines and comment
// only lines parse to nil. Arguments are accepted as K=V pairs, bare
// letter flags and letter-prefixed values like Z5.1.
func Parse(line string) *Command {
	ln := strings.TrimSpace(line)
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = strings.TrimSpace(ln[:idx])
	}
	ln = strings.TrimSpace(parenComment.ReplaceAllString(ln, " "))
	if ln == "" {
		return nil
	}

	fields := strings.Fields(ln)
	cmd := &Command{
		Name: strings.ToUpper(fields[0]),
		Args: make(map[string]string),
		Raw:  line,
	}
	for _, f := range fields[1:] {
		if kv := strings.SplitN(f, "=", 2); len(kv) == 2 {
			if k := strings.ToUpper(strings.TrimSpace(kv[0])); k != "" {
				cmd.Args[k] = strings.TrimSpace(kv[1])
			}
			continue
		}
		cmd.Args[strings.ToUpper(f[:1])] = f[1:]
	}
	return cmd
}

// Has reports whether the letter argument is present, with or without
// a value.
func (c *Command) Has(letter string) bool {
	_, ok := c.Args[letter]
	return ok
}

// Float returns the numeric value of a letter argument. A missing or
// malformed value yields the fallback.
func (c *Command) Float(letter string, fallback float64) float64 {
	v, ok := c.Args[letter]
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// Int returns the integer value of a letter argument. A missing or
// malformed value yields the fallback.
func (c *Command) Int(letter string, fallback int) int {
	v, ok := c.Args[letter]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		// Accept float spellings like P3.0 the way firmwares do.
		if f, ferr := strconv.ParseFloat(v, 64); ferr == nil {
			return int(f)
		}
		return fallback
	}
	return n
}

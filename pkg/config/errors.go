package config

import (
	"fmt"
	"strconv"
)

// Error is a configuration error with the section and option it refers
// to, when known.
type Error struct {
	Section string
	Option  string
	Message string
}

func (e *Error) Error() string {
	switch {
	case e.Option != "":
		return fmt.Sprintf("config: option %q in section [%s]: %s", e.Option, e.Section, e.Message)
	case e.Section != "":
		return fmt.Sprintf("config: section [%s]: %s", e.Section, e.Message)
	}
	return "config: " + e.Message
}

func parseError(line int, message string) *Error {
	return &Error{Message: "line " + strconv.Itoa(line) + ": " + message}
}

func missingSection(section string) *Error {
	return &Error{Section: section, Message: "not found"}
}

func missingOption(section, option string) *Error {
	return &Error{Section: section, Option: option, Message: "must be specified"}
}

func invalidValue(section, option, value, expected string) *Error {
	return &Error{Section: section, Option: option,
		Message: fmt.Sprintf("invalid value %q, expected %s", value, expected)}
}

func outOfRange(section, option string, value float64, constraint string) *Error {
	return &Error{Section: section, Option: option,
		Message: fmt.Sprintf("value %v %s", value, constraint)}
}

func invalidChoice(section, option, value string, choices []string) *Error {
	return &Error{Section: section, Option: option,
		Message: fmt.Sprintf("%q is not a valid choice (valid: %v)", value, choices)}
}

// Package gcode interprets the motion subset of G-code and drives a
// Machine with the resulting waypoints.
package gcode

import (
	"errors"
	"fmt"
)

var ErrSyntax = errors.New("gcode: syntax error")

// Command is one parsed G-code line
type Command struct {
	Type       byte             // 'G', 'M', 'T', or 0 for a bare parameter line
	Number     int              // command number (e.g., 1 for G1, 38 for G38.2)
	Sub        int              // digit after the dot (2 for G38.2), -1 if none
	Line       int64            // N word, -1 if none
	Parameters map[byte]float64 // parameters (X, Y, Z, E, F, I, J, K, P, S, ...)
	Comment    string
}

// Is reports whether c is the command typ number.sub; sub -1 matches any.
func (c *Command) Is(typ byte, number, sub int) bool {
	return c.Type == typ && c.Number == number && (sub < 0 || c.Sub == sub)
}

// HasParameter checks if a parameter exists in the command
func (c *Command) HasParameter(param byte) bool {
	_, ok := c.Parameters[param]
	return ok
}

// GetParameter gets a parameter value, or returns the default if not present
func (c *Command) GetParameter(param byte, defaultValue float64) float64 {
	if val, ok := c.Parameters[param]; ok {
		return val
	}
	return defaultValue
}

func (c *Command) String() string {
	if c.Sub >= 0 {
		return fmt.Sprintf("%c%d.%d", c.Type, c.Number, c.Sub)
	}
	return fmt.Sprintf("%c%d", c.Type, c.Number)
}

// Parser handles G-code parsing
type Parser struct{}

// NewParser creates a new G-code parser
func NewParser() *Parser {
	return &Parser{}
}

// ParseLine parses a single line of G-code. Blank lines return nil.
func (p *Parser) ParseLine(line string) (*Command, error) {
	cmd := &Command{
		Sub:        -1,
		Line:       -1,
		Parameters: make(map[byte]float64),
	}

	i := skipSpace(line, 0)
	if i >= len(line) {
		return nil, nil
	}

	// Line number
	if toUpper(line[i]) == 'N' {
		num, next := parseInt(line, i+1)
		if next <= i+1 {
			return nil, fmt.Errorf("%w: bad line number in %q", ErrSyntax, line)
		}
		cmd.Line = int64(num)
		i = skipSpace(line, next)
	}

	if i < len(line) && isComment(line[i]) {
		cmd.Comment = line[i:]
		return cmd, nil
	}

	// Parse command type (G, M, T)
	if i < len(line) {
		switch c := toUpper(line[i]); c {
		case 'G', 'M', 'T':
			num, next := parseInt(line, i+1)
			if next <= i+1 {
				return nil, fmt.Errorf("%w: %c without a number", ErrSyntax, c)
			}
			cmd.Type, cmd.Number = c, num
			i = next
			if i+1 < len(line) && line[i] == '.' && isDigit(line[i+1]) {
				cmd.Sub = int(line[i+1] - '0')
				i += 2
			}
		}
	}

	// Parse parameters
	for {
		i = skipSpace(line, i)
		if i >= len(line) {
			break
		}
		c := line[i]
		if isComment(c) {
			cmd.Comment = line[i:]
			break
		}
		if c == '*' {
			// checksum, already verified by the sender
			break
		}
		if !isLetter(c) {
			return nil, fmt.Errorf("%w: unexpected %q at column %d", ErrSyntax, c, i+1)
		}

		letter := toUpper(c)
		value, next := parseFloat(line, i+1)
		if next <= i+1 {
			// bare flag such as "G28 X"
			cmd.Parameters[letter] = 0
			i++
			continue
		}
		cmd.Parameters[letter] = value
		i = next
	}

	return cmd, nil
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\r') {
		i++
	}
	return i
}

func isComment(c byte) bool { return c == ';' || c == '(' }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// parseInt parses an integer from the string starting at pos
func parseInt(s string, pos int) (int, int) {
	if pos >= len(s) {
		return 0, pos
	}

	start := pos
	negative := false
	if s[pos] == '-' {
		negative = true
		pos++
	} else if s[pos] == '+' {
		pos++
	}

	digits := pos
	value := 0
	for pos < len(s) && isDigit(s[pos]) {
		value = value*10 + int(s[pos]-'0')
		pos++
	}

	if pos == digits {
		return 0, start // No digits found
	}

	if negative {
		value = -value
	}

	return value, pos
}

// parseFloat parses a floating-point number from the string starting at pos
func parseFloat(s string, pos int) (float64, int) {
	if pos >= len(s) {
		return 0, pos
	}

	start := pos
	negative := false
	if s[pos] == '-' {
		negative = true
		pos++
	} else if s[pos] == '+' {
		pos++
	}

	digits := pos
	intPart := 0.0
	fracPart := 0.0
	divisor := 1.0

	// Parse integer part
	for pos < len(s) && isDigit(s[pos]) {
		intPart = intPart*10 + float64(s[pos]-'0')
		pos++
	}
	seen := pos > digits

	// Parse fractional part
	if pos < len(s) && s[pos] == '.' {
		pos++
		for pos < len(s) && isDigit(s[pos]) {
			fracPart = fracPart*10 + float64(s[pos]-'0')
			divisor *= 10
			pos++
			seen = true
		}
	}

	if !seen {
		return 0, start // No valid number found
	}

	value := intPart + fracPart/divisor
	if negative {
		value = -value
	}

	return value, pos
}

// isLetter checks if a byte is a letter
func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// toUpper converts a byte to uppercase
func toUpper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}

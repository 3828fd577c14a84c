package gcode

import (
	"errors"
	"testing"
)

func TestParseBasicCommands(t *testing.T) {
	parser := NewParser()

	tests := []struct {
		input   string
		cmdType byte
		cmdNum  int
		cmdSub  int
		params  map[byte]float64
	}{
		{
			input:   "G0 X10 Y20",
			cmdType: 'G',
			cmdNum:  0,
			cmdSub:  -1,
			params:  map[byte]float64{'X': 10, 'Y': 20},
		},
		{
			input:   "G1 X100.5 Y200.25 F3000",
			cmdType: 'G',
			cmdNum:  1,
			cmdSub:  -1,
			params:  map[byte]float64{'X': 100.5, 'Y': 200.25, 'F': 3000},
		},
		{
			input:   "G28",
			cmdType: 'G',
			cmdNum:  28,
			cmdSub:  -1,
			params:  map[byte]float64{},
		},
		{
			input:   "M104 S200",
			cmdType: 'M',
			cmdNum:  104,
			cmdSub:  -1,
			params:  map[byte]float64{'S': 200},
		},
		{
			input:   "G92 X0 Y0 Z0",
			cmdType: 'G',
			cmdNum:  92,
			cmdSub:  -1,
			params:  map[byte]float64{'X': 0, 'Y': 0, 'Z': 0},
		},
		{
			input:   "G38.2 Z-10 F100",
			cmdType: 'G',
			cmdNum:  38,
			cmdSub:  2,
			params:  map[byte]float64{'Z': -10, 'F': 100},
		},
		{
			input:   "G2 X10 Y0 I5 J0",
			cmdType: 'G',
			cmdNum:  2,
			cmdSub:  -1,
			params:  map[byte]float64{'X': 10, 'Y': 0, 'I': 5, 'J': 0},
		},
		{
			input:   "T1",
			cmdType: 'T',
			cmdNum:  1,
			cmdSub:  -1,
			params:  map[byte]float64{},
		},
	}

	for _, test := range tests {
		cmd, err := parser.ParseLine(test.input)
		if err != nil {
			t.Errorf("Failed to parse '%s': %v", test.input, err)
			continue
		}

		if cmd == nil {
			t.Errorf("Got nil command for '%s'", test.input)
			continue
		}

		if cmd.Type != test.cmdType {
			t.Errorf("Expected type %c, got %c for '%s'", test.cmdType, cmd.Type, test.input)
		}

		if cmd.Number != test.cmdNum {
			t.Errorf("Expected number %d, got %d for '%s'", test.cmdNum, cmd.Number, test.input)
		}

		if cmd.Sub != test.cmdSub {
			t.Errorf("Expected sub %d, got %d for '%s'", test.cmdSub, cmd.Sub, test.input)
		}

		if len(cmd.Parameters) != len(test.params) {
			t.Errorf("Expected %d parameters, got %d for '%s'", len(test.params), len(cmd.Parameters), test.input)
		}

		for param, value := range test.params {
			if !cmd.HasParameter(param) {
				t.Errorf("Missing parameter %c in '%s'", param, test.input)
			} else if cmd.GetParameter(param, 0) != value {
				t.Errorf("Expected %c=%f, got %c=%f in '%s'",
					param, value, param, cmd.GetParameter(param, 0), test.input)
			}
		}
	}
}

func TestParseNegativeNumbers(t *testing.T) {
	parser := NewParser()

	cmd, err := parser.ParseLine("G1 X-10.5 Y-20")
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	if cmd.GetParameter('X', 0) != -10.5 {
		t.Errorf("Expected X=-10.5, got X=%f", cmd.GetParameter('X', 0))
	}

	if cmd.GetParameter('Y', 0) != -20 {
		t.Errorf("Expected Y=-20, got Y=%f", cmd.GetParameter('Y', 0))
	}
}

func TestParseComments(t *testing.T) {
	parser := NewParser()

	tests := []string{
		"; This is a comment",
		"G0 X10 ; Move to X10",
		"(This is a comment)",
	}

	for _, test := range tests {
		cmd, err := parser.ParseLine(test)
		if err != nil {
			t.Errorf("Failed to parse '%s': %v", test, err)
		}

		if cmd == nil {
			t.Errorf("Got nil command for '%s'", test)
		}
	}
}

func TestParseLowercase(t *testing.T) {
	parser := NewParser()

	cmd, err := parser.ParseLine("g1 x10 y20")
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	if cmd.Type != 'G' {
		t.Errorf("Expected type G, got %c", cmd.Type)
	}

	if cmd.Number != 1 {
		t.Errorf("Expected number 1, got %d", cmd.Number)
	}

	if cmd.GetParameter('X', 0) != 10 {
		t.Errorf("Expected X=10, got X=%f", cmd.GetParameter('X', 0))
	}
}

func TestParseEmptyLine(t *testing.T) {
	parser := NewParser()

	cmd, err := parser.ParseLine("")
	if err != nil {
		t.Errorf("Empty line should not error: %v", err)
	}

	if cmd != nil {
		t.Errorf("Empty line should return nil command")
	}
}

func TestParseLineNumberAndChecksum(t *testing.T) {
	parser := NewParser()

	cmd, err := parser.ParseLine("N42 G1 X5 E.5*71")
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	if cmd.Line != 42 {
		t.Errorf("Expected line 42, got %d", cmd.Line)
	}

	if !cmd.Is('G', 1, -1) {
		t.Errorf("Expected G1, got %s", cmd)
	}

	if cmd.GetParameter('E', 0) != 0.5 {
		t.Errorf("Expected E=0.5, got E=%f", cmd.GetParameter('E', 0))
	}

	if cmd.HasParameter('*') || len(cmd.Parameters) != 2 {
		t.Errorf("Checksum leaked into parameters: %v", cmd.Parameters)
	}
}

func TestParseBareFlags(t *testing.T) {
	parser := NewParser()

	cmd, err := parser.ParseLine("G28 X Y")
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	if !cmd.HasParameter('X') || !cmd.HasParameter('Y') || cmd.HasParameter('Z') {
		t.Errorf("Expected X and Y flags, got %v", cmd.Parameters)
	}
}

func TestParseErrors(t *testing.T) {
	parser := NewParser()

	tests := []string{
		"G",
		"G1 X10 #",
		"Nx G1",
	}

	for _, test := range tests {
		if _, err := parser.ParseLine(test); !errors.Is(err, ErrSyntax) {
			t.Errorf("Expected syntax error for '%s', got %v", test, err)
		}
	}
}

package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Options that would let extra args read or write files other than the
// cutter's own input and output.
var blockedOptions = map[string]bool{
	"-i":                     true,
	"-f":                     true,
	"-map":                   true,
	"-y":                     true,
	"-n":                     true,
	"-filter_script":         true,
	"-filter_complex_script": true,
	"-dump_attachment":       true,
	"-attach":                true,
	"-passlogfile":           true,
	"-progress":              true,
	"-vstats_file":           true,
}

// SplitCommand splits a command string into arguments without a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// SanitizeArgs rejects shell metacharacters and options that name extra files.
func SanitizeArgs(args []string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		if blockedOptions[arg] {
			return fmt.Errorf("disallowed option: %s", arg)
		}
	}
	return nil
}

// ParseExtraArgs splits and validates the configured encoder arguments.
func ParseExtraArgs(s string) ([]string, error) {
	args, err := SplitCommand(s)
	if err != nil {
		return nil, err
	}
	if err := SanitizeArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}

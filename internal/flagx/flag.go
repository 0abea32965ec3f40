// Package flagx holds the small flag-parsing helpers that let the config
// loader and the CLI command parser share one argument list.
package flagx

import (
	"flag"
	"slices"
	"strings"
)

// FilterArgs returns a slice of command-line arguments that only contains
// the allowed flags (and their values) specified in allowedFlags.
//
// Supported formats:
//  1. Flag and value as separate arguments:  -c conf.json
//  2. Flag and value combined with '=':      --config=conf.json
func FilterArgs(args []string, allowedFlags []string) []string {
	allowed := make(map[string]struct{}, len(allowedFlags))
	for _, f := range allowedFlags {
		allowed[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			name, _, _ := strings.Cut(arg, "=")
			if _, ok := allowed[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		if _, ok := allowed[arg]; ok {
			filtered = append(filtered, arg)
			// a following token that does not look like a flag is the value
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				filtered = append(filtered, args[i+1])
				i++
			}
		}
	}

	return filtered
}

// ConfigFileFlag extracts the config file path given via -c or -config.
// Other arguments are ignored. An empty string means no file was requested.
func ConfigFileFlag(args []string) string {
	var path string

	fs := flag.NewFlagSet("config-file", flag.ContinueOnError)
	fs.StringVar(&path, "config", "", "path to config file")
	fs.StringVar(&path, "c", "", "path to config file (short)")
	_ = fs.Parse(FilterArgs(args, []string{"-c", "-config"}))

	return path
}

// SplitCommand splits args at the first token that names one of commands.
// Everything before it is global configuration, the rest belongs to the
// command parser. If no command is present, rest is empty.
func SplitCommand(args []string, commands []string) (global, rest []string) {
	for i, a := range args {
		if slices.Contains(commands, a) {
			return args[:i], args[i:]
		}
	}
	return args, nil
}

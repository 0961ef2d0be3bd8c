package main

import (
	"strings"

	"github.com/spf13/pflag"
)

// partitionArgs splits args into the ones fs understands and the ones meant
// for the worker. Everything after a "--" goes to the worker.
func partitionArgs(fs *pflag.FlagSet, args []string) (known, forwarded []string) {
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == "--" {
			forwarded = append(forwarded, args[i+1:]...)
			break
		}
		if arg == "-h" || arg == "--help" || arg == "--version" {
			known = append(known, arg)
			continue
		}
		if len(arg) < 2 || arg[0] != '-' {
			forwarded = append(forwarded, arg)
			continue
		}

		flag, inlineValue := lookupFlag(fs, arg)
		if flag == nil {
			forwarded = append(forwarded, arg)
			continue
		}

		known = append(known, arg)
		if !inlineValue && flag.NoOptDefVal == "" && i+1 < len(args) {
			// the flag takes its value from the next argument
			i++
			known = append(known, args[i])
		}
	}
	return known, forwarded
}

// lookupFlag resolves "--name", "--name=value", "-n" and "-nvalue".
func lookupFlag(fs *pflag.FlagSet, arg string) (*pflag.Flag, bool) {
	if strings.HasPrefix(arg, "--") {
		name, _, hasValue := strings.Cut(arg[2:], "=")
		return fs.Lookup(name), hasValue
	}

	short := arg[1:2]
	flag := fs.ShorthandLookup(short)
	return flag, len(arg) > 2
}

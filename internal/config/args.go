package config

import (
	"fmt"
	"strings"
)

// Args is the thin launcher argument surface. Mouse defaults to on; the
// --no-mouse flag turns terminal mouse reporting off for clients that manage
// selection themselves.
type Args struct {
	Dir   string
	CLI   bool
	Yolo  bool
	Mouse bool
}

// DefaultArgs returns the zero surface with defaults applied.
func DefaultArgs() Args {
	return Args{Mouse: true}
}

// ParseArgs parses the launcher flags. Unknown flags and a missing --dir
// value are argument errors; callers exit 1 on a non-nil error.
func ParseArgs(argv []string) (Args, error) {
	args := DefaultArgs()
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "--dir":
			if i+1 >= len(argv) {
				return Args{}, fmt.Errorf("--dir requires a path")
			}
			i++
			args.Dir = argv[i]
		case strings.HasPrefix(arg, "--dir="):
			args.Dir = strings.TrimPrefix(arg, "--dir=")
		case arg == "--cli":
			args.CLI = true
		case arg == "--yolo":
			args.Yolo = true
		case arg == "--mouse":
			args.Mouse = true
		case arg == "--no-mouse":
			args.Mouse = false
		default:
			return Args{}, fmt.Errorf("unknown argument %q", arg)
		}
	}
	return args, nil
}

// Format renders the canonical argv for the surface. Defaults are omitted, so
// ParseArgs(a.Format()) reproduces a.
func (a Args) Format() []string {
	var out []string
	if a.Dir != "" {
		out = append(out, "--dir", a.Dir)
	}
	if a.CLI {
		out = append(out, "--cli")
	}
	if a.Yolo {
		out = append(out, "--yolo")
	}
	if !a.Mouse {
		out = append(out, "--no-mouse")
	}
	return out
}

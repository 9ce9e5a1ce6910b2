package app

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nuetzliches/sbinspect/internal/config"
)

var configSubcommands = map[string]func(args []string, stdout, stderr io.Writer) int{
	"fmt":      configFormat,
	"validate": configValidate,
	"diff":     configDiff,
}

func configCmd(args []string) int {
	return runConfigCmd(args, os.Stdout, os.Stderr)
}

func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "missing subcommand: fmt | validate | diff")
		return 2
	}
	sub, ok := configSubcommands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
	return sub(args[1:], stdout, stderr)
}

func parseConfigFile(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return config.Parse(data)
}

func configFormat(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config fmt", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", defaultConfigPath, "path to config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := parseConfigFile(*path)
	if err == nil {
		var out []byte
		if out, err = config.Format(cfg); err == nil {
			_, _ = stdout.Write(out)
			return 0
		}
	}
	fmt.Fprintln(stderr, err)
	return 1
}

// configValidate exits 0 when the config compiles. Read and parse failures
// are reported in the same shape as validation errors.
func configValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", defaultConfigPath, "path to config file")
	format := fs.String("format", "json", "output format: json|text")
	strictSecrets := fs.Bool("strict-secrets", false, "load and verify all configured secret refs during validation")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var res config.ValidationResult
	if cfg, err := parseConfigFile(*path); err != nil {
		res = config.ValidationResult{Errors: []string{err.Error()}}
	} else {
		res = config.ValidateWithResultOptions(cfg, config.ValidationOptions{SecretPreflight: *strictSecrets})
	}

	var out string
	if *format == "text" {
		out = config.FormatValidationText(res)
	} else {
		var err error
		if out, err = config.FormatValidationJSON(res); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	if !res.OK {
		fmt.Fprintln(stderr, out)
		return 1
	}
	fmt.Fprintln(stdout, out)
	return 0
}

// configDiff exits 1 when the files differ, like diff(1).
func configDiff(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config diff", flag.ContinueOnError)
	fs.SetOutput(stderr)
	contextLines := fs.Int("context", 3, "number of unified diff context lines")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(stderr, "usage: sbinspect config diff [--context N] <old> <new>")
		return 2
	}
	oldPath, newPath := fs.Arg(0), fs.Arg(1)

	var data [2][]byte
	for i, p := range []string{oldPath, newPath} {
		b, err := os.ReadFile(p)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
		data[i] = b
	}

	diff, err := config.FormatDiff(data[0], data[1], *contextLines, oldPath, newPath)
	switch {
	case err != nil:
		fmt.Fprintln(stderr, err)
		return 2
	case diff == "":
		return 0
	}
	fmt.Fprintln(stdout, diff)
	return 1
}

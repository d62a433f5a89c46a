package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Math output flags, in the order latexmls expects them.
// Presentation MathML is primary, the others become parallel markup.
var mathFlags = []struct {
	name  string
	usage string
}{
	{"pmml", "Convert math to Presentation MathML"},
	{"cmml", "Enable Content MathML output"},
	{"openmath", "Convert math to OpenMath"},
	{"mathtex", "Add TeX annotations to parallel markup"},
	{"nopmml", "Disable Presentation MathML output"},
	{"nocmml", "Disable Content MathML output"},
	{"noopenmath", "Disable OpenMath output"},
	{"nomathtex", "Disable TeX annotations"},
}

// Flags taking a value, passed to the workers as key=value.
var valueFlags = []struct {
	name  string
	usage string
}{
	{"whatsin", "Input chunk: document, fragment, math"},
	{"whatsout", "Output chunk: document, fragment, math"},
	{"format", "Output format: xml, html5, xhtml, ..."},
	{"preamble", "TeX file with document frontmatter"},
	{"postamble", "TeX file with document backmatter"},
	{"linelength", "Wrap Presentation MathML at n characters"},
}

func addMathFlags(flags *pflag.FlagSet) {
	for _, flag := range valueFlags {
		flags.String(flag.name, "", flag.usage)
	}
	for _, flag := range mathFlags {
		flags.Bool(flag.name, false, flag.usage)
	}
}

// Collects the LaTeXML options given as dedicated flags.
// Value options come first, math flags follow in canonical order
// regardless of their order on the command line.
func mathOptions(cmd *cobra.Command) ([]string, error) {
	var options []string

	for _, flag := range valueFlags {
		value, err := cmd.Flags().GetString(flag.name)
		if err != nil {
			return nil, err
		}
		if value != "" {
			options = append(options, flag.name+"="+value)
		}
	}

	for _, flag := range mathFlags {
		set, err := cmd.Flags().GetBool(flag.name)
		if err != nil {
			return nil, err
		}
		if set {
			options = append(options, flag.name)
		}
	}

	return options, nil
}

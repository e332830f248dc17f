package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ApplyDefaults returns a copy of args with declared defaults filled in for absent arguments.
func ApplyDefaults(cmd Command, args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+len(cmd.Args))
	for k, v := range args {
		out[k] = v
	}
	for _, a := range cmd.Args {
		if _, ok := out[a.Name]; !ok && a.Default != nil {
			out[a.Name] = a.Default
		}
	}
	return out
}

// Validate checks args against the command's declared argument schema and returns one message per problem.
func Validate(cmd Command, args map[string]any) []string {
	errs := []string{}
	for _, a := range cmd.Args {
		v, ok := args[a.Name]
		s := ""
		if ok {
			s = stringify(v)
		}
		if a.Required && s == "" {
			errs = append(errs, fmt.Sprintf("%s is required", a.displayName()))
			continue
		}
		if s == "" {
			continue
		}

		if a.Type == ArgNumber {
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s must be a number", a.displayName()))
			} else {
				if a.Min != nil && n < *a.Min {
					errs = append(errs, fmt.Sprintf("%s must be at least %v", a.displayName(), *a.Min))
				}
				if a.Max != nil && n > *a.Max {
					errs = append(errs, fmt.Sprintf("%s must be at most %v", a.displayName(), *a.Max))
				}
			}
		}

		if a.Pattern != "" {
			re, err := regexp.Compile(a.Pattern)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s has an invalid pattern: %s", a.displayName(), err))
			} else if !re.MatchString(s) {
				errs = append(errs, fmt.Sprintf("%s format is invalid", a.displayName()))
			}
		}

		if a.Type == ArgSelect && len(a.Options) > 0 {
			var valid []string
			found := false
			for _, o := range a.Options {
				valid = append(valid, o.Value)
				if o.Value == s {
					found = true
				}
			}
			if !found {
				errs = append(errs, fmt.Sprintf("%s must be one of: %s", a.displayName(), strings.Join(valid, ", ")))
			}
		}
	}
	return errs
}

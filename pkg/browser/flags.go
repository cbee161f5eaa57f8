package browser

import "strings"

// splitFlag turns `--name=value` or `--name` into a chrome flag name and value
func splitFlag(arg string) (string, any) {
	arg = strings.TrimLeft(arg, "-")
	name, value, ok := strings.Cut(arg, "=")
	if !ok {
		return name, true
	}
	return name, value
}

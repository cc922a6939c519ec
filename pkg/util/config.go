package util

// PrefixConfig joins a flag prefix and an option name.
func PrefixConfig(prefix, option string) string {
	if prefix == "" {
		return option
	}
	return prefix + "." + option
}

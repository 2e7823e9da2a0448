package mirror

import "strings"

// NormalizeTitle converts a wire title into the stored form: the namespace
// prefix is stripped for non-zero namespaces and spaces become underscores.
// It expects a wire title such as "File:Foo bar.png" and is not idempotent:
// applied to a stored title that contains a colon it strips one more
// segment. Use StoredTitle for titles that are already unprefixed.
func NormalizeTitle(namespace int, title string) string {
	title = strings.TrimSpace(title)
	if namespace != 0 {
		if i := strings.IndexByte(title, ':'); i >= 0 {
			title = title[i+1:]
		}
	}
	title = strings.ReplaceAll(title, " ", "_")
	return strings.Trim(title, "_")
}

// StoredTitle converts an unprefixed title into the stored form. Unlike
// NormalizeTitle it never strips a prefix, so it is safe to apply twice.
func StoredTitle(title string) string {
	title = strings.ReplaceAll(strings.TrimSpace(title), " ", "_")
	return strings.Trim(title, "_")
}

// DisplayTitle converts a stored title back into the spaced form the
// remote expects in queries. The caller adds the namespace prefix.
func DisplayTitle(title string) string {
	return strings.ReplaceAll(title, "_", " ")
}

package semql

// Input size bounds. Exceeding either fails with ErrInputTooLarge before any
// parsing work happens.
const (
	// MaxSQLInputBytes bounds the length of an incoming SQL statement.
	MaxSQLInputBytes = 1 << 20 // 1 MiB
	// MaxManifestBytes bounds the size of a manifest JSON document.
	MaxManifestBytes = 16 << 20 // 16 MiB
)

// ExcerptLimit caps how much of the input SQL may appear in error messages.
const ExcerptLimit = 120

// Excerpt returns at most ExcerptLimit bytes of s for use in error messages.
func Excerpt(s string) string {
	if len(s) <= ExcerptLimit {
		return s
	}
	return s[:ExcerptLimit] + "..."
}

package postgres

import "strings"

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Contains returns a case-insensitive substring condition on column and its
// argument. LIKE wildcards in s match literally.
func Contains(column, s string) (string, string) {
	return "LOWER(" + column + `) LIKE ? ESCAPE '\'`, "%" + likeEscaper.Replace(strings.ToLower(s)) + "%"
}

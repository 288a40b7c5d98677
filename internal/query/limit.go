package query

import (
	"strconv"

	"github.com/askdb/askdb/internal/sqlguard"
)

// InjectLimit appends LIMIT maxRows when sql has no LIMIT token outside
// quoted text. Applying it to its own output returns the same string.
func InjectLimit(sql string, maxRows int) string {
	statement := sqlguard.StripTrailingSemicolons(sql)
	if maxRows <= 0 || sqlguard.HasClauseToken(statement, "LIMIT") {
		return statement
	}
	return statement + " LIMIT " + strconv.Itoa(maxRows)
}

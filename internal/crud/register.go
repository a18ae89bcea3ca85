package crud

import (
	"database/sql/driver"
	"fmt"

	"modernc.org/sqlite"
)

// init registers powersync_diff as a SQLite scalar function the moment
// this package is imported, so the trigger bodies internal/schema emits
// (`powersync_diff(old_json, new_json)`) resolve against any connection
// opened through modernc.org/sqlite afterward —
// registration is global to the driver, not per-connection, matching how
// modernc.org/sqlite's own REGEXP example registers a custom function.
// It's deterministic (same inputs always produce the same JSON diff), so
// it's registered with the deterministic variant to let the query planner
// treat it like a built-in.
func init() {
	sqlite.MustRegisterDeterministicScalarFunction("powersync_diff", 2,
		func(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			oldJSON, err := argToJSONText(args[0])
			if err != nil {
				return nil, fmt.Errorf("powersync_diff: invalid old argument: %w", err)
			}
			newJSON, err := argToJSONText(args[1])
			if err != nil {
				return nil, fmt.Errorf("powersync_diff: invalid new argument: %w", err)
			}
			return Diff(oldJSON, newJSON)
		},
	)
}

// argToJSONText coerces a scalar-function argument to the JSON text Diff
// expects: SQLite passes NULL as a nil driver.Value, which this package's
// decodeObject already treats as "{}" once turned into an empty string.
func argToJSONText(v driver.Value) (string, error) {
	if v == nil {
		return "", nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("unsupported SQL value type %T", v)
	}
}

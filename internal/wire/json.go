package wire

import (
	"encoding/json"
	"fmt"

	"github.com/powersync-ja/powersync-sqlite-core/internal/synccore"
)

const locWireJSON = "SYN_WIR_010"

// DecodeJSONLine parses a `line_text` payload into a Line.
func DecodeJSONLine(payload []byte) (*Line, error) {
	var l Line
	if err := json.Unmarshal(payload, &l); err != nil {
		return nil, synccore.Wrap(synccore.ClassProtocol, locWireJSON, "Sync protocol error: malformed JSON line", err)
	}
	if l.Kind() == "unknown" {
		return nil, synccore.New(synccore.ClassProtocol, locWireJSON, fmt.Sprintf("Sync protocol error: unrecognized line shape %s", string(payload)))
	}
	return &l, nil
}

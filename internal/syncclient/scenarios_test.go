package syncclient_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/powersync-ja/powersync-sqlite-core/internal/syncclient"
	"github.com/powersync-ja/powersync-sqlite-core/internal/testutil"
	"github.com/powersync-ja/powersync-sqlite-core/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type scenarioFile struct {
	Scenarios []scenario `yaml:"scenarios"`
}

type scenario struct {
	Name         string      `yaml:"name"`
	Schema       string      `yaml:"schema"`
	LocalInserts []string    `yaml:"local_inserts"`
	Lines        []string    `yaml:"lines"`
	Expect       expectation `yaml:"expect"`
}

type expectation struct {
	Instructions       []string    `yaml:"instructions"`
	AbsentInstructions []string    `yaml:"absent_instructions"`
	Rows               []rowExpect `yaml:"rows"`
	AbsentRows         []rowExpect `yaml:"absent_rows"`
}

type rowExpect struct {
	Query string `yaml:"query"`
	Value string `yaml:"value"`
}

// TestSubscriptionExpiresAcrossRestart drives a full session lifecycle
// on a fake clock: subscribe with a TTL, stop, advance two hours, start
// again, and confirm the new EstablishSyncStream request no longer
// carries the lapsed stream.
func TestSubscriptionExpiresAcrossRestart(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := syncclient.NewClientWithClock(testutil.Logger(), func() time.Time { return clock })

	_, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)

	_, err = c.Control(ctx, db, "subscriptions", []byte(`{"subscribe":[{"stream":"my_stream","ttl":3600}]}`))
	require.NoError(t, err)

	// While the TTL is still live, the stream rides along in the request.
	instrs, err := c.Control(ctx, db, "start", nil)
	require.NoError(t, err)
	require.Len(t, instrs, 1)
	establish := instrs[0].(wire.EstablishSyncStream)
	require.Len(t, establish.Request.Streams.Subscriptions, 1)
	assert.Equal(t, "my_stream", establish.Request.Streams.Subscriptions[0].Stream)

	_, err = c.Control(ctx, db, "stop", nil)
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)

	instrs, err = c.Control(ctx, db, "start", nil)
	require.NoError(t, err)
	require.Len(t, instrs, 1)
	establish = instrs[0].(wire.EstablishSyncStream)
	assert.Empty(t, establish.Request.Streams.Subscriptions,
		"a lapsed TTL subscription not in active_streams must be excluded from the next request")
}

// TestScenarios drives full sessions described declaratively in
// testdata/scenarios.yaml through Client.Control, line by line, the way
// a host would.
func TestScenarios(t *testing.T) {
	raw, err := os.ReadFile("testdata/scenarios.yaml")
	require.NoError(t, err)

	var file scenarioFile
	require.NoError(t, yaml.Unmarshal(raw, &file))
	require.NotEmpty(t, file.Scenarios)

	for _, sc := range file.Scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			db := testutil.OpenDB(t)
			ctx := context.Background()
			c := syncclient.NewClient(testutil.Logger())

			payload, err := json.Marshal(syncclient.StartPayload{Schema: json.RawMessage(sc.Schema)})
			require.NoError(t, err)
			_, err = c.Control(ctx, db, "start", payload)
			require.NoError(t, err)

			for _, stmt := range sc.LocalInserts {
				_, err = db.ExecContext(ctx, stmt)
				require.NoError(t, err)
			}

			seen := map[string]bool{}
			for _, line := range sc.Lines {
				instrs, err := c.Control(ctx, db, "line_text", []byte(line))
				require.NoError(t, err, "line %s", line)
				for _, instr := range instrs {
					seen[wire.Tag(instr)] = true
				}
			}

			for _, tag := range sc.Expect.Instructions {
				assert.True(t, seen[tag], "expected instruction %s to be emitted", tag)
			}
			for _, tag := range sc.Expect.AbsentInstructions {
				assert.False(t, seen[tag], "instruction %s must not be emitted", tag)
			}

			for _, row := range sc.Expect.Rows {
				var got string
				require.NoError(t, db.QueryRowContext(ctx, row.Query).Scan(&got), "query %s", row.Query)
				assert.Equal(t, row.Value, got)
			}
			for _, row := range sc.Expect.AbsentRows {
				var got string
				err := db.QueryRowContext(ctx, row.Query).Scan(&got)
				assert.ErrorIs(t, err, sql.ErrNoRows, "query %s must match no rows", row.Query)
			}
		})
	}
}

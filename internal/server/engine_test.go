package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/aargor/openset/internal/cluster"
	"github.com/aargor/openset/internal/errs"
	"github.com/aargor/openset/internal/table"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine("events", 8, 2, "node-1")
	for _, c := range []struct {
		name string
		typ  table.ColumnType
	}{
		{"country", table.TypeText},
		{"product", table.TypeText},
		{"total", table.TypeDouble},
	} {
		_, err := e.Table.AddColumn(c.name, c.typ)
		require.NoError(t, err)
	}
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func ingest(t *testing.T, e *Engine, docs any) {
	t.Helper()
	payload, err := json.Marshal(docs)
	require.NoError(t, err)
	_, _, ierr := e.Insert(payload)
	require.NoError(t, ierr)
}

func seedPersons(t *testing.T, e *Engine, n, usCount int) {
	t.Helper()
	docs := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		country := "ca"
		if i < usCount {
			country = "us"
		}
		docs = append(docs, map[string]any{
			"id": fmt.Sprintf("person-%03d", i),
			"events": []map[string]any{
				{"stamp": 1000 + i, "action": "visit", "country": country},
			},
		})
	}
	ingest(t, e, docs)
}

// TestEngineInsertAndQuery tests the ingest → index → query pipeline end
// to end across the async pool.
func TestEngineInsertAndQuery(t *testing.T) {
	t.Run("countable query answers from the index", func(t *testing.T) {
		e := testEngine(t)
		seedPersons(t, e, 100, 10)

		res, err := e.Query(`count where country == 'us'`, nil, 5*time.Second)
		require.NoError(t, err)

		branch, ok := res["_"].(map[string]any)
		require.True(t, ok, "result tree: %v", res)
		cols := branch["_"].(map[string]any)
		require.EqualValues(t, 10, cols["count"])
	})

	t.Run("per person ordering survives partition routing", func(t *testing.T) {
		e := testEngine(t)

		// 1,000 rows for one person, delivered shuffled across many
		// ingest calls, surrounded by noise persons
		var docs []map[string]any
		for i := 999; i >= 0; i-- {
			docs = append(docs, map[string]any{
				"id": "heavy-user",
				"events": []map[string]any{
					{"stamp": 10_000 + i*10, "action": "visit"},
				},
			})
		}
		for i := 0; i < 20; i++ {
			docs = append(docs, map[string]any{
				"id":     fmt.Sprintf("noise-%d", i),
				"events": []map[string]any{{"stamp": 1, "action": "visit"}},
			})
		}
		ingest(t, e, docs)

		pid := cluster.PartitionFor("heavy-user", e.Map.PartitionMax())
		part := e.DB.Get(pid)
		require.NotNil(t, part)

		lin, ok := part.People.FindByID(table.MakeHash("heavy-user"))
		require.True(t, ok)
		rec := part.People.GetByLIN(lin)
		require.NotNil(t, rec)

		// one committed record holding all 1,000 rows in stamp order
		events, err := rec.Events()
		require.NoError(t, err)
		require.NotEmpty(t, events)
		require.EqualValues(t, 1000, countRows(t, e, pid, lin))
	})

	t.Run("status counts persons through worker cells", func(t *testing.T) {
		e := testEngine(t)
		seedPersons(t, e, 25, 5)

		st := e.NodeStatus()
		require.EqualValues(t, 25, st.Persons)
		require.Equal(t, 8, st.Partitions)
		require.Equal(t, 2, st.Workers)
	})

	t.Run("aggregate query tallies across partitions", func(t *testing.T) {
		e := testEngine(t)
		var docs []map[string]any
		for i := 0; i < 30; i++ {
			docs = append(docs, map[string]any{
				"id": fmt.Sprintf("buyer-%d", i),
				"events": []map[string]any{
					{"stamp": 1000 + i, "action": "buy", "product": "kite", "total": 2.5},
				},
			})
		}
		ingest(t, e, docs)

		src := "agg:\n" +
			"    people\n" +
			"when action == 'buy':\n" +
			"    tally('buys', product)\n"
		res, err := e.Query(src, nil, 5*time.Second)
		require.NoError(t, err)

		buys, ok := res["buys"].(map[string]any)
		require.True(t, ok, "tree: %v", res)
		kite := buys["kite"].(map[string]any)
		cols := kite["_"].(map[string]any)
		require.EqualValues(t, 30, cols["people"])
	})
}

// TestEngineSegments tests segment storage, TTL caching, and segment
// math (population, intersection) with no person iteration.
func TestEngineSegments(t *testing.T) {
	e := testEngine(t)

	// segment A: 4 persons; segment B: 6 persons; overlap: 2
	var docs []map[string]any
	add := func(id string, products ...string) {
		events := []map[string]any{}
		for i, p := range products {
			events = append(events, map[string]any{
				"stamp": 1000 + i, "action": "buy", "product": p,
			})
		}
		docs = append(docs, map[string]any{"id": id, "events": events})
	}
	add("p0", "alpha")
	add("p1", "alpha")
	add("p2", "alpha", "beta")
	add("p3", "alpha", "beta")
	add("p4", "beta")
	add("p5", "beta")
	add("p6", "beta")
	add("p7", "beta")
	ingest(t, e, docs)

	src := "segment seg_a ttl=60000:\n" +
		"    product == 'alpha'\n" +
		"segment seg_b ttl=60000:\n" +
		"    product == 'beta'\n"
	res, err := e.SegmentQuery(src, nil, 5*time.Second)
	require.NoError(t, err)

	aCols := res["seg_a"].(map[string]any)["_"].(map[string]any)
	bCols := res["seg_b"].(map[string]any)["_"].(map[string]any)
	require.EqualValues(t, 4, aCols["count"])
	require.EqualValues(t, 6, bCols["count"])

	// segment math over the stored segments: population(intersection)
	mathSrc := "segment overlap ttl=60000:\n" +
		"    intersection(seg_a, seg_b)\n"
	res, err = e.SegmentQuery(mathSrc, nil, 5*time.Second)
	require.NoError(t, err)
	oCols := res["overlap"].(map[string]any)["_"].(map[string]any)
	require.EqualValues(t, 2, oCols["count"])

	// re-running within TTL serves the cache
	res, err = e.SegmentQuery(src, nil, 5*time.Second)
	require.NoError(t, err)
	aCols = res["seg_a"].(map[string]any)["_"].(map[string]any)
	require.EqualValues(t, 4, aCols["count"])
}

// TestEngineErrors tests error classification through the engine.
func TestEngineErrors(t *testing.T) {
	t.Run("compile errors spawn no cells", func(t *testing.T) {
		e := testEngine(t)
		_, err := e.Query(`count where`, nil, time.Second)
		require.Error(t, err)
		require.Equal(t, errs.QueryCompile, errs.KindOf(err))
	})

	t.Run("insert without id is rejected", func(t *testing.T) {
		e := testEngine(t)
		_, _, err := e.Insert([]byte(`{"events":[{"stamp":1}]}`))
		require.Error(t, err)
		require.Equal(t, errs.BadInsert, errs.KindOf(err))
	})

	t.Run("garbage payload is rejected", func(t *testing.T) {
		e := testEngine(t)
		_, _, err := e.Insert([]byte(`]]]`))
		require.Error(t, err)
	})
}

// countRows mounts the person's record through a query to count rows.
func countRows(t *testing.T, e *Engine, pid int, lin int32) int {
	t.Helper()
	part := e.DB.Get(pid)
	require.NotNil(t, part)
	rec := part.People.GetByLIN(lin)
	require.NotNil(t, rec)

	events, err := rec.Events()
	require.NoError(t, err)

	// rows end with a 2-byte zero separator; count them
	rows := 0
	for off := 0; off+2 <= len(events); {
		header := uint16(events[off]) | uint16(events[off+1])<<8
		off += 2
		switch header >> 13 {
		case 0:
			if header == 0 {
				rows++
			}
		case 3:
			off += 2
		case 4:
			off += 4
		case 5:
			off += 8
		}
	}
	return rows
}

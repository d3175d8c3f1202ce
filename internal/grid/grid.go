// Package grid holds decoded ERDDAP griddap responses and reduces them to
// per-day lake statistics.
package grid

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tidwall/gjson"
)

// Grid is a flattened griddap response: one entry per (time, lat, lon) cell.
type Grid struct {
	Variable string
	Times    []time.Time
	// Axes holds the per-cell coordinate for every non-time axis, keyed by
	// the axis name as the server returned it ("latitude", "lon", ...).
	Axes   map[string][]float64
	Values []sql.NullFloat64
}

// Len returns the number of cells.
func (g *Grid) Len() int {
	return len(g.Values)
}

// DecodeError means the payload could not be turned into a Grid.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode grid: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses ERDDAP's .json table output:
//
//	{"table": {"columnNames": ["time", "latitude", "longitude", "sst"],
//	           "rows": [["2023-12-24T12:00:00Z", 41.4, -83.4, 3.2], ...]}}
//
// Missing values arrive as null (or the string "NaN" on some servers).
func Decode(payload []byte, variable string) (*Grid, error) {
	if !gjson.ValidBytes(payload) {
		return nil, &DecodeError{Err: errors.New("payload is not valid JSON")}
	}
	table := gjson.GetBytes(payload, "table")
	if !table.Exists() {
		return nil, &DecodeError{Err: errors.New("missing table")}
	}

	names := table.Get("columnNames").Array()
	timeCol, valueCol := -1, -1
	axisCols := map[int]string{}
	for i, n := range names {
		switch name := n.String(); name {
		case "time":
			timeCol = i
		case variable:
			valueCol = i
		default:
			axisCols[i] = name
		}
	}
	if timeCol < 0 {
		return nil, &DecodeError{Err: errors.New("missing time column")}
	}
	if valueCol < 0 {
		return nil, &DecodeError{Err: fmt.Errorf("missing %s column", variable)}
	}

	rows := table.Get("rows").Array()
	g := &Grid{
		Variable: variable,
		Times:    make([]time.Time, 0, len(rows)),
		Axes:     make(map[string][]float64, len(axisCols)),
		Values:   make([]sql.NullFloat64, 0, len(rows)),
	}
	for _, name := range axisCols {
		g.Axes[name] = make([]float64, 0, len(rows))
	}

	for r, row := range rows {
		cells := row.Array()
		if len(cells) != len(names) {
			return nil, &DecodeError{Err: fmt.Errorf("row %d: %d cells, want %d", r, len(cells), len(names))}
		}

		ts, err := time.Parse(time.RFC3339, cells[timeCol].String())
		if err != nil {
			return nil, &DecodeError{Err: fmt.Errorf("row %d: parse time: %w", r, err)}
		}
		g.Times = append(g.Times, ts.UTC())

		for i, name := range axisCols {
			if cells[i].Type != gjson.Number {
				return nil, &DecodeError{Err: fmt.Errorf("row %d: %s is not numeric", r, name)}
			}
			g.Axes[name] = append(g.Axes[name], cells[i].Float())
		}

		g.Values = append(g.Values, cellValue(cells[valueCol]))
	}

	return g, nil
}

func cellValue(v gjson.Result) sql.NullFloat64 {
	if v.Type != gjson.Number {
		return sql.NullFloat64{}
	}
	f := v.Float()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

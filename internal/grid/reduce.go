package grid

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/eriewatch/internal/models"
)

var (
	latitudeAliases  = []string{"latitude", "lat"}
	longitudeAliases = []string{"longitude", "lon"}
)

// accumulator collects the valid cells of one partition and counts all of them.
type accumulator struct {
	values []float64
	total  int
}

func (a *accumulator) add(v sql.NullFloat64) {
	a.total++
	if v.Valid {
		a.values = append(a.values, v.Float64)
	}
}

func (a *accumulator) mean() sql.NullFloat64 {
	if len(a.values) == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: stat.Mean(a.values, nil), Valid: true}
}

func (a *accumulator) maximum() sql.NullFloat64 {
	if len(a.values) == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: floats.Max(a.values), Valid: true}
}

// coverage is the percentage of cells with data, 0-100.
func (a *accumulator) coverage() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(len(a.values)) / float64(a.total) * 100
}

type dayAccumulator struct {
	lake, west, east accumulator
}

// Reduce collapses a grid into one DailyStats per calendar day (UTC), sorted
// by date. Cells with longitude below westBasinLon belong to the west basin,
// everything else to the east basin.
func Reduce(g *Grid, westBasinLon float64) ([]models.DailyStats, error) {
	if _, err := resolveAxis(g, latitudeAliases); err != nil {
		return nil, err
	}
	lons, err := resolveAxis(g, longitudeAliases)
	if err != nil {
		return nil, err
	}
	if len(g.Times) != g.Len() || len(lons) != g.Len() {
		return nil, fmt.Errorf("grid %s: ragged columns (%d times, %d lons, %d values)", g.Variable, len(g.Times), len(lons), g.Len())
	}

	days := make(map[time.Time]*dayAccumulator)
	for i, v := range g.Values {
		t := g.Times[i]
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

		acc, ok := days[day]
		if !ok {
			acc = &dayAccumulator{}
			days[day] = acc
		}

		acc.lake.add(v)
		if lons[i] < westBasinLon {
			acc.west.add(v)
		} else {
			acc.east.add(v)
		}
	}

	stats := make([]models.DailyStats, 0, len(days))
	for day, acc := range days {
		stats = append(stats, models.DailyStats{
			Date:          day,
			LakeMean:      acc.lake.mean(),
			LakeMax:       acc.lake.maximum(),
			WestBasinMean: acc.west.mean(),
			EastBasinMean: acc.east.mean(),
			DataCoverage:  acc.lake.coverage(),
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Date.Before(stats[j].Date)
	})

	return stats, nil
}

func resolveAxis(g *Grid, aliases []string) ([]float64, error) {
	for _, name := range aliases {
		if values, ok := g.Axes[name]; ok {
			return values, nil
		}
	}
	return nil, fmt.Errorf("grid %s: no %s axis", g.Variable, aliases[0])
}

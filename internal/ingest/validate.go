package ingest

import (
	"database/sql"

	"github.com/lox/eriewatch/internal/models"
)

const (
	FlagSSTOutOfRange      = "sst_out_of_range"
	FlagChlNegative        = "chl_negative"
	FlagChlUnlikely        = "chl_unlikely"
	FlagMaxBelowMean       = "max_below_mean"
	FlagCoverageOutOfRange = "coverage_out_of_range"
)

// ValidateStats returns plausibility flags for a reduced day. Flagged rows are
// still stored; the flags are only logged.
func ValidateStats(v models.Variable, st models.DailyStats) []string {
	var flags []string

	switch v {
	case models.VariableSST:
		if outside(st.LakeMean, -2, 40) || outside(st.LakeMax, -2, 40) {
			flags = append(flags, FlagSSTOutOfRange)
		}
	case models.VariableChlorophyll:
		if st.LakeMean.Valid && st.LakeMean.Float64 < 0 {
			flags = append(flags, FlagChlNegative)
		}
		if st.LakeMax.Valid && st.LakeMax.Float64 > 1000 {
			flags = append(flags, FlagChlUnlikely)
		}
	}

	if st.LakeMean.Valid && st.LakeMax.Valid && st.LakeMax.Float64 < st.LakeMean.Float64 {
		flags = append(flags, FlagMaxBelowMean)
	}
	if st.DataCoverage < 0 || st.DataCoverage > 100 {
		flags = append(flags, FlagCoverageOutOfRange)
	}

	return flags
}

func outside(n sql.NullFloat64, lo, hi float64) bool {
	return n.Valid && (n.Float64 < lo || n.Float64 > hi)
}

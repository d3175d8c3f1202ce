package models

import (
	"database/sql"
	"time"
)

// DateLayout is the calendar-day key used by every cache table.
const DateLayout = "2006-01-02"

// Variable identifies a tracked observation and the cache table it lives in.
type Variable string

const (
	VariableSST         Variable = "sst"
	VariableChlorophyll Variable = "chl"
)

// Table returns the statistics table for the variable.
func (v Variable) Table() string {
	switch v {
	case VariableSST:
		return "sst_data"
	case VariableChlorophyll:
		return "chl_data"
	default:
		return ""
	}
}

type DailyStats struct {
	Date          time.Time
	LakeMean      sql.NullFloat64
	LakeMax       sql.NullFloat64
	WestBasinMean sql.NullFloat64
	EastBasinMean sql.NullFloat64
	DataCoverage  float64 // percent of cells with data, 0-100
}

type VariableRecord struct {
	DailyStats
	FetchedAt time.Time
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskModerate RiskLevel = "Moderate"
	RiskHigh     RiskLevel = "High"
)

type RiskRecord struct {
	Date              time.Time
	Score             int
	Level             RiskLevel
	SSTAboveThreshold bool
	ChlAboveThreshold bool
	CalculatedAt      time.Time
}

// RecentReading is one row of the temperature/chlorophyll join used for scoring.
type RecentReading struct {
	Date    time.Time
	SSTMean sql.NullFloat64
	ChlMean sql.NullFloat64
}

type FetchStatus string

const (
	FetchSuccess FetchStatus = "success"
	FetchFailed  FetchStatus = "failed"
)

type FetchAttempt struct {
	ID           int64
	AttemptedAt  time.Time
	Variable     Variable
	RangeStart   time.Time
	RangeEnd     time.Time
	Status       FetchStatus
	ErrorMessage sql.NullString
}

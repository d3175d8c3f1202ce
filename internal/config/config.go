package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// EndNow makes the fetch window end on the current date.
const EndNow = "now"

// Config is loaded once at startup and passed by value into each component.
type Config struct {
	BBox          BBox       `yaml:"bbox"`
	ERDDAP        ERDDAP     `yaml:"erddap"`
	Thresholds    Thresholds `yaml:"thresholds"`
	Window        Window     `yaml:"window"`
	Risk          Risk       `yaml:"risk"`
	RetentionDays int        `yaml:"retention_days"`
}

type BBox struct {
	LatMin float64 `yaml:"lat_min"`
	LatMax float64 `yaml:"lat_max"`
	LonMin float64 `yaml:"lon_min"`
	LonMax float64 `yaml:"lon_max"`
}

type ERDDAP struct {
	BaseURL       string        `yaml:"base_url"`
	SSTDataset    string        `yaml:"sst_dataset"`
	SSTVariable   string        `yaml:"sst_variable"`
	ChlDataset    string        `yaml:"chl_dataset"`
	ChlVariable   string        `yaml:"chl_variable"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	RequestDelay  time.Duration `yaml:"request_delay"`
	Timeout       time.Duration `yaml:"timeout"`
	ScratchDir    string        `yaml:"scratch_dir"`
}

// Thresholds drive bloom risk scoring and the basin split.
type Thresholds struct {
	SSTBloom        float64 `yaml:"sst_bloom"`
	ChlLow          float64 `yaml:"chl_low"`
	ChlModerate     float64 `yaml:"chl_moderate"`
	ChlHigh         float64 `yaml:"chl_high"`
	WesternBasinLon float64 `yaml:"western_basin_lon"`
}

// Window is the inclusive date range requested on each run.
type Window struct {
	End          string `yaml:"end"` // "now" or YYYY-MM-DD
	LookbackDays int    `yaml:"lookback_days"`
}

type Risk struct {
	WindowDays int `yaml:"window_days"`
}

// Default returns the Lake Erie configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		BBox: BBox{
			LatMin: 41.3,
			LatMax: 42.95,
			LonMin: -83.5,
			LonMax: -78.85,
		},
		ERDDAP: ERDDAP{
			BaseURL:       "https://apps.glerl.noaa.gov/erddap",
			SSTDataset:    "GLSEA_GCS",
			SSTVariable:   "sst",
			ChlDataset:    "LE_CHL_VIIRS_SQ",
			ChlVariable:   "Chlorophyll",
			RetryAttempts: 3,
			RetryDelay:    5 * time.Second,
			RequestDelay:  2 * time.Second,
			Timeout:       120 * time.Second,
			ScratchDir:    os.TempDir(),
		},
		Thresholds: Thresholds{
			SSTBloom:        25,
			ChlLow:          10,
			ChlModerate:     20,
			ChlHigh:         40,
			WesternBasinLon: -82.5,
		},
		Window: Window{
			End:          EndNow,
			LookbackDays: 7,
		},
		Risk: Risk{
			WindowDays: 7,
		},
		RetentionDays: 30,
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var result *multierror.Error

	if c.BBox.LatMin >= c.BBox.LatMax {
		result = multierror.Append(result, errors.New("bbox: lat_min must be below lat_max"))
	}
	if c.BBox.LonMin >= c.BBox.LonMax {
		result = multierror.Append(result, errors.New("bbox: lon_min must be below lon_max"))
	}
	if c.ERDDAP.BaseURL == "" {
		result = multierror.Append(result, errors.New("erddap: base_url is required"))
	}
	if c.ERDDAP.SSTDataset == "" || c.ERDDAP.SSTVariable == "" {
		result = multierror.Append(result, errors.New("erddap: sst_dataset and sst_variable are required"))
	}
	if c.ERDDAP.ChlDataset == "" || c.ERDDAP.ChlVariable == "" {
		result = multierror.Append(result, errors.New("erddap: chl_dataset and chl_variable are required"))
	}
	if c.ERDDAP.RetryAttempts < 1 {
		result = multierror.Append(result, errors.New("erddap: retry_attempts must be at least 1"))
	}
	if c.ERDDAP.RetryDelay < 0 || c.ERDDAP.RequestDelay < 0 {
		result = multierror.Append(result, errors.New("erddap: delays must not be negative"))
	}
	if c.ERDDAP.Timeout <= 0 {
		result = multierror.Append(result, errors.New("erddap: timeout must be positive"))
	}
	if !(c.Thresholds.ChlLow <= c.Thresholds.ChlModerate && c.Thresholds.ChlModerate <= c.Thresholds.ChlHigh) {
		result = multierror.Append(result, errors.New("thresholds: expected chl_low <= chl_moderate <= chl_high"))
	}
	if c.Window.End != EndNow {
		if _, err := time.Parse("2006-01-02", c.Window.End); err != nil {
			result = multierror.Append(result, fmt.Errorf("window: end must be %q or YYYY-MM-DD: %w", EndNow, err))
		}
	}
	if c.Window.LookbackDays < 0 {
		result = multierror.Append(result, errors.New("window: lookback_days must not be negative"))
	}
	if c.Risk.WindowDays < 1 {
		result = multierror.Append(result, errors.New("risk: window_days must be at least 1"))
	}
	if c.RetentionDays < 1 {
		result = multierror.Append(result, errors.New("retention_days must be at least 1"))
	}

	return result.ErrorOrNil()
}

// DateRange resolves the configured window against now.
func (c Config) DateRange(now time.Time) (start, end time.Time) {
	end = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if c.Window.End != EndNow {
		// Validate has already checked the layout.
		end, _ = time.Parse("2006-01-02", c.Window.End)
	}
	return end.AddDate(0, 0, -c.Window.LookbackDays), end
}

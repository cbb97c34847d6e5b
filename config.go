package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"herbtrace/certificate"
	"herbtrace/labeval"
	"herbtrace/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	StoreDriver string // mongo | memory
	MongoURI    string
	MongoDB     string
	JWTSecret   string
	Port        string
	LogLevel    slog.Level

	PolicyFile   string
	GeofenceFile string
	Fallback     *models.GeoTag

	CertCodeMode  certificate.Mode
	PublicBaseURL string

	LedgerURL     string
	LedgerToken   string
	AnchorTimeout time.Duration
	RetryInterval time.Duration

	Policy Policy
}

// Policy is the compliance configuration: seasonal ceilings per species and
// the lab thresholds.
type Policy struct {
	Ceilings map[string]float64 `yaml:"ceilings"` // kg per producer per season
	Lab      labeval.Policy     `yaml:"lab"`
}

func defaultPolicy() Policy {
	return Policy{
		Ceilings: map[string]float64{
			"Ashwagandha": 500,
			"Tulsi":       300,
			"Brahmi":      300,
			"Shatavari":   400,
		},
		Lab: labeval.DefaultPolicy(),
	}
}

// loadPolicy reads the YAML policy file. A missing file means defaults;
// sections left out of the file keep their defaults too.
func loadPolicy(path string) (Policy, error) {
	p := defaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("read %s: %w", path, err)
	}
	// Decode over the defaults so keys absent from the file keep them and an
	// explicit zero stays zero. Maps are cleared first to replace, not merge.
	file := defaultPolicy()
	file.Ceilings = nil
	file.Lab.PesticidePPM = nil
	if err := yaml.Unmarshal(data, &file); err != nil {
		return p, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	if len(file.Ceilings) == 0 {
		file.Ceilings = p.Ceilings
	}
	if file.Lab.PesticidePPM == nil {
		file.Lab.PesticidePPM = p.Lab.PesticidePPM
	}
	for species, c := range file.Ceilings {
		if c <= 0 {
			return p, fmt.Errorf("%s: ceiling for %s must be positive", path, species)
		}
	}
	if file.Lab.MoistureMaxPct < 0 || file.Lab.DefaultPesticidePPM < 0 {
		return p, fmt.Errorf("%s: lab thresholds must not be negative", path)
	}
	for substance, v := range file.Lab.PesticidePPM {
		if v < 0 {
			return p, fmt.Errorf("%s: threshold for %s must not be negative", path, substance)
		}
	}
	p = file
	return p, nil
}

func loadConfig() (Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg := Config{
		StoreDriver:   strings.ToLower(getenv("STORE_DRIVER", "mongo")),
		MongoURI:      getenv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:       getenv("MONGO_DB", "herbtrace"),
		JWTSecret:     getenv("JWT_SECRET", "change_me"),
		Port:          getenv("PORT", "8080"),
		PolicyFile:    getenv("POLICY_FILE", "policy.yaml"),
		GeofenceFile:  os.Getenv("GEOFENCE_FILE"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
		LedgerURL:     os.Getenv("LEDGER_URL"),
		LedgerToken:   os.Getenv("LEDGER_TOKEN"),
	}

	var err error
	if err = cfg.LogLevel.UnmarshalText([]byte(getenv("LOG_LEVEL", "info"))); err != nil {
		return cfg, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if cfg.StoreDriver != "mongo" && cfg.StoreDriver != "memory" {
		return cfg, fmt.Errorf("STORE_DRIVER: unknown driver %q", cfg.StoreDriver)
	}
	if cfg.CertCodeMode, err = certificate.ParseMode(os.Getenv("CERT_CODE_MODE")); err != nil {
		return cfg, fmt.Errorf("CERT_CODE_MODE: %w", err)
	}
	if cfg.AnchorTimeout, err = time.ParseDuration(getenv("ANCHOR_TIMEOUT", "10s")); err != nil {
		return cfg, fmt.Errorf("ANCHOR_TIMEOUT: %w", err)
	}
	if cfg.RetryInterval, err = time.ParseDuration(getenv("ANCHOR_RETRY_INTERVAL", "30s")); err != nil {
		return cfg, fmt.Errorf("ANCHOR_RETRY_INTERVAL: %w", err)
	}

	lat, lon := os.Getenv("FALLBACK_LAT"), os.Getenv("FALLBACK_LON")
	if lat != "" || lon != "" {
		la, err1 := strconv.ParseFloat(lat, 64)
		lo, err2 := strconv.ParseFloat(lon, 64)
		if err1 != nil || err2 != nil {
			return cfg, fmt.Errorf("FALLBACK_LAT/FALLBACK_LON must both be numbers")
		}
		cfg.Fallback = &models.GeoTag{Lat: la, Lon: lo}
	}

	if cfg.Policy, err = loadPolicy(cfg.PolicyFile); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func mustConfig() Config {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	return cfg
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

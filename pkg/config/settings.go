package config

import (
	"fmt"
	"os"
	"strings"
)

// Mode selects how the proxy treats upstream traffic. Fixed for the
// lifetime of the process.
type Mode string

const (
	// ModeLive forwards upstream with strategies applied.
	ModeLive Mode = "live"
	// ModeRecord forwards upstream and appends every exchange to a tape.
	ModeRecord Mode = "record"
	// ModePlayback serves recorded responses and never touches the network.
	ModePlayback Mode = "playback"
)

// ParseMode validates a mode string, defaulting empty to live.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeLive:
		return ModeLive, nil
	case ModeRecord:
		return ModeRecord, nil
	case ModePlayback:
		return ModePlayback, nil
	default:
		return "", fmt.Errorf("%w: unknown proxy mode %q (want live, record, or playback)", ErrInvalidValue, s)
	}
}

// Settings is the process-level configuration read from environment
// variables at startup. Plan content lives in the plan file; Settings
// covers everything around it.
type Settings struct {
	Mode     Mode
	PlanPath string

	// ListenAddr is the proxy listen address.
	ListenAddr string

	// TapePath is the tape file location. Required for playback;
	// record mode derives a timestamped default when unset.
	TapePath string
	// TapeKey is the Fernet key material (32 raw bytes or 44-char
	// urlsafe base64). Required in record and playback modes.
	TapeKey string

	ReplayStrict     bool
	ClassifierStrict bool

	LogFile  string
	LogDir   string
	AuditLog string
	RunsDir  string

	DashboardAutostart bool
	DashboardAddr      string

	LLMHealthURL  string
	LLMHealthSkip bool

	// CACert and CAKey are PEM paths enabling TLS interception of
	// CONNECT traffic. Unset means CONNECT is tunneled uninspected.
	CACert string
	CAKey  string

	LogLevel  string
	LogFormat string
}

// SettingsFromEnv reads the full environment contract. Invalid mode is
// the only hard error; everything else has a usable default.
func SettingsFromEnv() (*Settings, error) {
	mode, err := ParseMode(os.Getenv("CHAOS_PROXY_MODE"))
	if err != nil {
		return nil, err
	}

	s := &Settings{
		Mode:               mode,
		PlanPath:           os.Getenv("CHAOS_PLAN"),
		ListenAddr:         getEnv("CHAOS_PROXY_ADDR", ":8080"),
		TapePath:           os.Getenv("CHAOS_TAPE"),
		TapeKey:            os.Getenv("CHAOS_TAPE_KEY"),
		ReplayStrict:       boolEnv("CHAOS_REPLAY_STRICT", false),
		ClassifierStrict:   boolEnv("CHAOS_CLASSIFIER_STRICT", false),
		LogFile:            os.Getenv("CHAOS_LOG_FILE"),
		LogDir:             os.Getenv("CHAOS_LOG_DIR"),
		AuditLog:           os.Getenv("CHAOS_AUDIT_LOG"),
		RunsDir:            getEnv("CHAOS_RUNS_DIR", "runs"),
		DashboardAutostart: boolEnv("CHAOS_DASHBOARD_AUTOSTART", false),
		DashboardAddr:      getEnv("CHAOS_DASHBOARD_ADDR", ":8081"),
		LLMHealthURL:       os.Getenv("CHAOS_LLM_HEALTH_URL"),
		LLMHealthSkip:      boolEnv("CHAOS_LLM_HEALTH_SKIP", false),
		CACert:             os.Getenv("CHAOS_CA_CERT"),
		CAKey:              os.Getenv("CHAOS_CA_KEY"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
	}

	if (s.Mode == ModeRecord || s.Mode == ModePlayback) && s.TapeKey == "" {
		return nil, fmt.Errorf("%w (mode %s)", ErrTapeKeyRequired, s.Mode)
	}
	if s.Mode == ModePlayback && s.TapePath == "" {
		return nil, fmt.Errorf("%w: CHAOS_TAPE must point at an existing tape in playback mode", ErrInvalidValue)
	}
	return s, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func boolEnv(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

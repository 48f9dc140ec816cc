// Package config holds the tunable limits of the orchestration core and
// loads them from conventional JSON paths.
package config

// Config is the top-level configuration.
type Config struct {
	// CycleBudget bounds loop-back transitions per work item cycle.
	CycleBudget int `json:"cycle_budget,omitempty"`
	// WIPCap is the per-phase work-in-progress limit.
	WIPCap int `json:"wip_cap,omitempty"`
	// Concurrency limits how many dispatched items the runner executes at once.
	Concurrency int `json:"concurrency,omitempty"`
	// LedgerPath is the SQLite database file holding run ledgers.
	LedgerPath string `json:"ledger_path,omitempty"`
	// LogPath, when set, mirrors structured logs to a JSON file.
	LogPath string `json:"log_path,omitempty"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		CycleBudget: 5,
		WIPCap:      4,
		Concurrency: 4,
		LedgerPath:  ".stagehand/ledger.db",
	}
}

// merge overlays non-zero fields of src onto dst.
func merge(dst, src *Config) {
	if src.CycleBudget > 0 {
		dst.CycleBudget = src.CycleBudget
	}
	if src.WIPCap > 0 {
		dst.WIPCap = src.WIPCap
	}
	if src.Concurrency > 0 {
		dst.Concurrency = src.Concurrency
	}
	if src.LedgerPath != "" {
		dst.LedgerPath = src.LedgerPath
	}
	if src.LogPath != "" {
		dst.LogPath = src.LogPath
	}
}

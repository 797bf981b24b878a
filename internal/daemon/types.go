package daemon

// StartOptions configures the daemon process. Everything else comes from
// <home>/config.yaml and AIDE_* environment variables.
type StartOptions struct {
	Home       string
	ConfigFile string // empty uses <home>/config.yaml
	Port       int    // overrides gateway.port when non-zero
	Dev        bool   // permissive CORS for a local dashboard
	PprofAddr  string // e.g. "localhost:6060"; empty disables pprof
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}

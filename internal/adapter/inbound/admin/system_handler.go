package admin

import (
	"net/http"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// BuildInfo holds version information about the running binary.
// Injected via WithBuildInfo to avoid an import cycle with the cmd
// package, where the ldflags land.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// SystemInfoResponse is the response for the system info endpoint.
type SystemInfoResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
	UptimeSec int64  `json:"uptime_seconds"`
}

// handleSystemInfo returns build and runtime information.
// GET /api/system
func (h *AdminAPIHandler) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	version, commit, buildDate := "dev", "none", "unknown"
	if h.buildInfo != nil {
		version = h.buildInfo.Version
		commit = h.buildInfo.Commit
		buildDate = h.buildInfo.BuildDate
	}

	uptime := time.Since(h.startTime)
	respondJSON(w, http.StatusOK, SystemInfoResponse{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    uptime.Truncate(time.Second).String(),
		UptimeSec: int64(uptime.Seconds()),
	})
}

// handleExportConfig returns the active configuration as YAML with
// secrets masked. Intended for support bundles and drift checks.
// GET /api/config
func (h *AdminAPIHandler) handleExportConfig(w http.ResponseWriter, r *http.Request) {
	if h.exportConfig == nil {
		respondError(w, http.StatusServiceUnavailable, "config not available")
		return
	}
	out, err := yaml.Marshal(h.exportConfig.Redacted())
	if err != nil {
		h.logger.Error("config export failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to render config")
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

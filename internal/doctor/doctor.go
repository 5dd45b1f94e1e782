// Package doctor checks a loaded ductile-worker configuration against the
// host it is about to run on.
package doctor

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mattjoyce/ductile-worker/internal/auth"
	"github.com/mattjoyce/ductile-worker/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor runs host-level checks that config.Load can't do on its own.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// Option configures a Doctor.
type Option func(*Doctor)

// WithLookPath overrides the executable lookup.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(d *Doctor) { d.lookPath = fn }
}

// New returns a Doctor that validates cfg.
func New(cfg *config.Config, opts ...Option) *Doctor {
	d := &Doctor{cfg: cfg, lookPath: exec.LookPath}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTokenScopes(r)
	d.validateWorkdirs(r)
	d.validateTools(r)
	d.validateReclaim(r)
	d.warnExposedAPI(r)
	d.warnActivityWindow(r)
	d.warnJournalDir(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateTokenScopes rejects scopes the API never checks.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			field := fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j)
			if !auth.Known(scope) {
				d.addError(r, "token_scopes", field, fmt.Sprintf("unknown scope %q", scope))
				continue
			}
			if scope == auth.ScopeAll {
				d.addWarning(r, "token_scopes", field, "scope \"*\" grants full access; prefer api_key for admin use")
			}
		}
	}
}

// validateWorkdirs checks that each domain root is a directory or can be
// created at startup.
func (d *Doctor) validateWorkdirs(r *Result) {
	dirs := []struct{ field, path string }{
		{"domains.git.workdir", d.cfg.Domains.Git.Workdir},
		{"domains.file.root", d.cfg.Domains.File.Root},
		{"domains.build.workdir", d.cfg.Domains.Build.Workdir},
	}
	for _, dir := range dirs {
		info, err := os.Stat(dir.path)
		switch {
		case os.IsNotExist(err):
			d.addWarning(r, "domains", dir.field, fmt.Sprintf("%s does not exist and will be created", dir.path))
		case err != nil:
			d.addError(r, "domains", dir.field, err.Error())
		case !info.IsDir():
			d.addError(r, "domains", dir.field, fmt.Sprintf("%s is not a directory", dir.path))
		}
	}
}

// validateTools checks the git binary and build allow-list against PATH.
func (d *Doctor) validateTools(r *Result) {
	if _, err := d.lookPath(d.cfg.Domains.Git.Binary); err != nil {
		d.addWarning(r, "domains", "domains.git.binary",
			fmt.Sprintf("%q not found in PATH; git tasks will fail", d.cfg.Domains.Git.Binary))
	}
	if len(d.cfg.Domains.Build.AllowedTools) == 0 {
		d.addWarning(r, "domains", "domains.build.allowed_tools", "no build tools allowed; build tasks will be rejected")
	}
	for i, tool := range d.cfg.Domains.Build.AllowedTools {
		if _, err := d.lookPath(tool); err != nil {
			d.addWarning(r, "domains", fmt.Sprintf("domains.build.allowed_tools[%d]", i),
				fmt.Sprintf("%q not found in PATH", tool))
		}
	}
}

func (d *Doctor) validateReclaim(r *Result) {
	rc := d.cfg.Reclaim
	switch rc.Mode {
	case config.ReclaimModeHTTP:
		u, err := url.Parse(rc.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			d.addError(r, "reclaim", "reclaim.url", fmt.Sprintf("%q is not an http(s) URL", rc.URL))
			return
		}
		if rc.Secret == "" {
			d.addWarning(r, "reclaim", "reclaim.secret", "reclamation notices will be sent unsigned")
		}
	case config.ReclaimModeLog:
		d.addWarning(r, "reclaim", "reclaim.mode", "idle instances are only logged; nothing will reclaim them")
	}
}

// warnExposedAPI flags a non-loopback listener.
func (d *Doctor) warnExposedAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if host == "localhost" {
		return
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return
	}
	d.addWarning(r, "api", "api.listen", fmt.Sprintf("API listens on %q, reachable beyond this host", d.cfg.API.Listen))
}

func (d *Doctor) warnActivityWindow(r *Result) {
	a := d.cfg.Activity
	if a.Period < a.ShutdownTimeout {
		d.addWarning(r, "activity", "activity.period",
			fmt.Sprintf("period %s is shorter than shutdown_timeout %s; the idle timeout always decides", a.Period, a.ShutdownTimeout))
	}
	if a.ReportInterval > a.ShutdownTimeout {
		d.addWarning(r, "activity", "activity.report_interval",
			fmt.Sprintf("report_interval %s exceeds shutdown_timeout %s", a.ReportInterval, a.ShutdownTimeout))
	}
}

func (d *Doctor) warnJournalDir(r *Result) {
	if !d.cfg.Journal.Enabled {
		return
	}
	dir := filepath.Dir(d.cfg.Journal.Path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		d.addWarning(r, "journal", "journal.path", fmt.Sprintf("%s does not exist and will be created", dir))
	}
}

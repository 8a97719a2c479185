// Package router writes per-project traefik dynamic configuration
// files. Each project gets one YAML document declaring the routers for
// its aliases and custom domains; traefik's file provider watches the
// directory and picks changes up live. Containers register their own
// deployment-<id> services through traefik's docker provider, so the
// files here only reference those services by name.
package router

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ember-sh/ember/internal/model"
)

const certResolver = "letsencrypt"

type dynamicConfig struct {
	HTTP httpConfig `yaml:"http"`
}

type httpConfig struct {
	Routers     map[string]routerEntry     `yaml:"routers,omitempty"`
	Middlewares map[string]middlewareEntry `yaml:"middlewares,omitempty"`
}

type routerEntry struct {
	Rule        string     `yaml:"rule"`
	Service     string     `yaml:"service"`
	EntryPoints []string   `yaml:"entryPoints"`
	Middlewares []string   `yaml:"middlewares,omitempty"`
	TLS         *tlsConfig `yaml:"tls,omitempty"`
}

type tlsConfig struct {
	CertResolver string `yaml:"certResolver"`
}

type middlewareEntry struct {
	RedirectRegex *redirectRegex `yaml:"redirectRegex,omitempty"`
}

type redirectRegex struct {
	Regex       string `yaml:"regex"`
	Replacement string `yaml:"replacement"`
	Permanent   bool   `yaml:"permanent"`
}

// Writer emits one config file per project under dir. Writes for the
// same project serialize through a project-scoped mutex; the file
// itself is replaced atomically via rename.
type Writer struct {
	dir          string
	deployDomain string
	scheme       string
	logger       *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Writer emitting files under dir. scheme is "http" or
// "https" and decides entrypoints and TLS blocks.
func New(dir, deployDomain, scheme string, logger *zap.Logger) *Writer {
	return &Writer{
		dir:          dir,
		deployDomain: deployDomain,
		scheme:       scheme,
		logger:       logger,
		locks:        map[string]*sync.Mutex{},
	}
}

func (w *Writer) projectLock(projectID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		w.locks[projectID] = l
	}
	return l
}

func (w *Writer) path(projectID string) string {
	return filepath.Join(w.dir, "project_"+projectID+".yml")
}

// Sync regenerates the project's config file from its current aliases
// and domains. With nothing to route the file is removed instead.
func (w *Writer) Sync(projectID string, aliases []model.Alias, domains []model.Domain) error {
	l := w.projectLock(projectID)
	l.Lock()
	defer l.Unlock()

	cfg := w.render(aliases, domains)
	if len(cfg.HTTP.Routers) == 0 {
		return w.removeLocked(projectID)
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode router config for %s: %w", projectID, err)
	}
	return w.replace(projectID, raw)
}

// Remove deletes the project's config file if present.
func (w *Writer) Remove(projectID string) error {
	l := w.projectLock(projectID)
	l.Lock()
	defer l.Unlock()
	return w.removeLocked(projectID)
}

func (w *Writer) removeLocked(projectID string) error {
	err := os.Remove(w.path(projectID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove router config for %s: %w", projectID, err)
	}
	return nil
}

func (w *Writer) replace(projectID string, raw []byte) error {
	path := w.path(projectID)
	tmp, err := os.CreateTemp(w.dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("stage router config for %s: %w", projectID, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write router config for %s: %w", projectID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write router config for %s: %w", projectID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace router config for %s: %w", projectID, err)
	}
	return nil
}

func (w *Writer) render(aliases []model.Alias, domains []model.Domain) dynamicConfig {
	cfg := dynamicConfig{HTTP: httpConfig{
		Routers:     map[string]routerEntry{},
		Middlewares: map[string]middlewareEntry{},
	}}

	// Environment aliases double as the lookup table for proxy and
	// redirect domains.
	envDeployment := map[string]string{}
	envSubdomain := map[string]string{}
	for _, a := range aliases {
		if a.Type == model.AliasEnvironment && a.EnvironmentID != "" {
			envDeployment[a.EnvironmentID] = a.DeploymentID
			envSubdomain[a.EnvironmentID] = a.Subdomain
		}
	}

	for _, a := range aliases {
		if a.DeploymentID == "" {
			continue
		}
		cfg.HTTP.Routers["router-alias-"+a.ID] = w.router(
			a.Subdomain+"."+w.deployDomain, "deployment-"+a.DeploymentID, nil)
	}

	byID := map[string]*model.Domain{}
	for i := range domains {
		byID[domains[i].ID] = &domains[i]
	}

	for _, d := range domains {
		if d.Status != model.DomainActive {
			continue
		}
		switch d.Type {
		case model.DomainProxy:
			did, ok := envDeployment[d.EnvironmentID]
			if !ok {
				w.logger.Warn("proxy domain has no deployed environment",
					zap.String("hostname", d.Hostname),
					zap.String("environment_id", d.EnvironmentID))
				continue
			}
			cfg.HTTP.Routers["router-domain-"+d.ID] = w.router(d.Hostname, "deployment-"+did, nil)
		default:
			target, ok := byID[d.RedirectToDomainID]
			if !ok {
				w.logger.Warn("redirect domain target missing",
					zap.String("hostname", d.Hostname),
					zap.String("target_id", d.RedirectToDomainID))
				continue
			}
			sub, ok := envSubdomain[target.EnvironmentID]
			if !ok {
				w.logger.Warn("redirect target has no deployed environment",
					zap.String("hostname", d.Hostname),
					zap.String("environment_id", target.EnvironmentID))
				continue
			}
			did := envDeployment[target.EnvironmentID]
			mw := "redirect-" + d.ID
			cfg.HTTP.Middlewares[mw] = middlewareEntry{RedirectRegex: &redirectRegex{
				Regex:       `^https?://` + d.Hostname + `/(.*)`,
				Replacement: "https://" + sub + "." + w.deployDomain + "/$1",
				Permanent:   d.Type.Permanent(),
			}}
			cfg.HTTP.Routers["router-domain-"+d.ID] = w.router(d.Hostname, "deployment-"+did, []string{mw})
		}
	}

	if len(cfg.HTTP.Middlewares) == 0 {
		cfg.HTTP.Middlewares = nil
	}
	return cfg
}

func (w *Writer) router(host, service string, middlewares []string) routerEntry {
	r := routerEntry{
		Rule:        "Host(`" + host + "`)",
		Service:     service,
		EntryPoints: []string{"web"},
		Middlewares: middlewares,
	}
	if w.scheme == "https" {
		r.EntryPoints = []string{"web", "websecure"}
		r.TLS = &tlsConfig{CertResolver: certResolver}
	}
	return r
}

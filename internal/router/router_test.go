package router

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ember-sh/ember/internal/model"
)

func testWriter(t *testing.T, scheme string) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	return New(dir, "emberapp.dev", scheme, zap.NewNop()), dir
}

func readConfig(t *testing.T, dir, projectID string) dynamicConfig {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, "project_"+projectID+".yml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg dynamicConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	return cfg
}

var testAliases = []model.Alias{
	{ID: "a1", Subdomain: "blog", ProjectID: "p1", DeploymentID: "d2",
		Type: model.AliasEnvironment, EnvironmentID: "prod"},
	{ID: "a2", Subdomain: "blog-branch-main", ProjectID: "p1", DeploymentID: "d2",
		Type: model.AliasBranch, Value: "main"},
	{ID: "a3", Subdomain: "blog-env-id-prod", ProjectID: "p1", DeploymentID: "d2",
		Type: model.AliasEnvironmentID, EnvironmentID: "prod"},
}

func TestSyncWritesAliasRouters(t *testing.T) {
	w, dir := testWriter(t, "https")
	if err := w.Sync("p1", testAliases, nil); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	cfg := readConfig(t, dir, "p1")
	if len(cfg.HTTP.Routers) != 3 {
		t.Fatalf("routers = %d, want 3", len(cfg.HTTP.Routers))
	}
	r, ok := cfg.HTTP.Routers["router-alias-a1"]
	if !ok {
		t.Fatal("router-alias-a1 missing")
	}
	if r.Rule != "Host(`blog.emberapp.dev`)" {
		t.Errorf("rule = %q", r.Rule)
	}
	if r.Service != "deployment-d2" {
		t.Errorf("service = %q", r.Service)
	}
	if len(r.EntryPoints) != 2 || r.EntryPoints[1] != "websecure" {
		t.Errorf("entryPoints = %v", r.EntryPoints)
	}
	if r.TLS == nil || r.TLS.CertResolver != certResolver {
		t.Errorf("tls = %+v", r.TLS)
	}
}

func TestSyncHTTPSchemeSkipsTLS(t *testing.T) {
	w, dir := testWriter(t, "http")
	if err := w.Sync("p1", testAliases[:1], nil); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	r := readConfig(t, dir, "p1").HTTP.Routers["router-alias-a1"]
	if len(r.EntryPoints) != 1 || r.EntryPoints[0] != "web" {
		t.Errorf("entryPoints = %v", r.EntryPoints)
	}
	if r.TLS != nil {
		t.Errorf("tls = %+v, want nil", r.TLS)
	}
}

func TestSyncProxyDomainTargetsEnvironmentDeployment(t *testing.T) {
	w, dir := testWriter(t, "https")
	domains := []model.Domain{
		{ID: "dom1", ProjectID: "p1", Hostname: "www.example.com",
			Type: model.DomainProxy, EnvironmentID: "prod", Status: model.DomainActive},
	}
	if err := w.Sync("p1", testAliases, domains); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	r, ok := readConfig(t, dir, "p1").HTTP.Routers["router-domain-dom1"]
	if !ok {
		t.Fatal("router-domain-dom1 missing")
	}
	if r.Rule != "Host(`www.example.com`)" {
		t.Errorf("rule = %q", r.Rule)
	}
	if r.Service != "deployment-d2" {
		t.Errorf("service = %q", r.Service)
	}
}

func TestSyncRedirectDomainEmitsMiddleware(t *testing.T) {
	w, dir := testWriter(t, "https")
	domains := []model.Domain{
		{ID: "dom1", ProjectID: "p1", Hostname: "www.example.com",
			Type: model.DomainProxy, EnvironmentID: "prod", Status: model.DomainActive},
		{ID: "dom2", ProjectID: "p1", Hostname: "example.com",
			Type: model.DomainRedirect308, RedirectToDomainID: "dom1", Status: model.DomainActive},
	}
	if err := w.Sync("p1", testAliases, domains); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	cfg := readConfig(t, dir, "p1")
	mw, ok := cfg.HTTP.Middlewares["redirect-dom2"]
	if !ok || mw.RedirectRegex == nil {
		t.Fatalf("middleware = %+v", mw)
	}
	if mw.RedirectRegex.Regex != `^https?://example.com/(.*)` {
		t.Errorf("regex = %q", mw.RedirectRegex.Regex)
	}
	if mw.RedirectRegex.Replacement != "https://blog.emberapp.dev/$1" {
		t.Errorf("replacement = %q", mw.RedirectRegex.Replacement)
	}
	if !mw.RedirectRegex.Permanent {
		t.Error("308 redirect should be permanent")
	}

	r := cfg.HTTP.Routers["router-domain-dom2"]
	if len(r.Middlewares) != 1 || r.Middlewares[0] != "redirect-dom2" {
		t.Errorf("router middlewares = %v", r.Middlewares)
	}
}

func TestSyncTemporaryRedirectNotPermanent(t *testing.T) {
	w, dir := testWriter(t, "https")
	domains := []model.Domain{
		{ID: "dom1", ProjectID: "p1", Hostname: "www.example.com",
			Type: model.DomainProxy, EnvironmentID: "prod", Status: model.DomainActive},
		{ID: "dom2", ProjectID: "p1", Hostname: "old.example.com",
			Type: model.DomainRedirect302, RedirectToDomainID: "dom1", Status: model.DomainActive},
	}
	if err := w.Sync("p1", testAliases, domains); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	mw := readConfig(t, dir, "p1").HTTP.Middlewares["redirect-dom2"]
	if mw.RedirectRegex.Permanent {
		t.Error("302 redirect marked permanent")
	}
}

func TestSyncSkipsInactiveDomains(t *testing.T) {
	w, dir := testWriter(t, "https")
	domains := []model.Domain{
		{ID: "dom1", ProjectID: "p1", Hostname: "www.example.com",
			Type: model.DomainProxy, EnvironmentID: "prod", Status: model.DomainPending},
	}
	if err := w.Sync("p1", testAliases, domains); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, ok := readConfig(t, dir, "p1").HTTP.Routers["router-domain-dom1"]; ok {
		t.Error("pending domain got a router")
	}
}

func TestSyncEmptyRemovesFile(t *testing.T) {
	w, dir := testWriter(t, "https")
	if err := w.Sync("p1", testAliases, nil); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := w.Sync("p1", nil, nil); err != nil {
		t.Fatalf("Sync(empty): %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "project_p1.yml")); !os.IsNotExist(err) {
		t.Error("config file still present after empty sync")
	}
}

func TestRemoveMissingFileIsNoop(t *testing.T) {
	w, _ := testWriter(t, "https")
	if err := w.Remove("never-written"); err != nil {
		t.Errorf("Remove: %v", err)
	}
}

package gitops

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRepositoryRequiresGitAndManifest(t *testing.T) {
	dir := t.TempDir()
	if res := ValidateRepository(dir); res.Valid {
		t.Fatal("expected invalid without .git")
	}

	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	if res := ValidateRepository(dir); res.Valid {
		t.Fatal("expected invalid without package.json")
	}

	writeFile(t, filepath.Join(dir, "package.json"), `{"name":"x"}`)
	if res := ValidateRepository(dir); res.Valid {
		t.Fatal("expected invalid without entry point")
	}

	writeFile(t, filepath.Join(dir, "package.json"), `{"main":"index.js"}`)
	if res := ValidateRepository(dir); !res.Valid {
		t.Fatalf("expected valid, got %q", res.Err)
	}
}

func TestValidateRepositoryWarnsNonFatally(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "package.json"), `{"scripts":{"start":"node index.js"}}`)
	if err := os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, ".env"), "SECRET=1")
	writeFile(t, filepath.Join(dir, ".env.production"), "SECRET=2")

	res := ValidateRepository(dir)
	if !res.Valid {
		t.Fatalf("warnings must not invalidate: %q", res.Err)
	}
	if len(res.Warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %v", res.Warnings)
	}
}

func TestNeedsDependencyInstall(t *testing.T) {
	dir := t.TempDir()
	if !NeedsDependencyInstall(dir) {
		t.Fatal("expected true when node_modules is absent")
	}

	modules := filepath.Join(dir, "node_modules")
	if err := os.MkdirAll(modules, 0o755); err != nil {
		t.Fatal(err)
	}
	lock := filepath.Join(dir, "package-lock.json")
	writeFile(t, lock, "{}")

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lock, old, old); err != nil {
		t.Fatal(err)
	}
	if NeedsDependencyInstall(dir) {
		t.Fatal("expected false: lock file older than node_modules")
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(lock, future, future); err != nil {
		t.Fatal(err)
	}
	if !NeedsDependencyInstall(dir) {
		t.Fatal("expected true: lock file newer than node_modules")
	}
}

func TestVerifyWebhookSignatureGitHub(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	secret := "hook-secret"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if err := VerifyWebhookSignature(ProviderGitHub, payload, secret, sig); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := VerifyWebhookSignature(ProviderGitHub, payload, secret, "sha256=deadbeef"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	if err := VerifyWebhookSignature(ProviderGitHub, payload, secret, ""); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
}

func TestVerifyWebhookSignatureGitLab(t *testing.T) {
	if err := VerifyWebhookSignature(ProviderGitLab, nil, "token-value", "token-value"); err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
	if err := VerifyWebhookSignature(ProviderGitLab, nil, "token-value", "wrong"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

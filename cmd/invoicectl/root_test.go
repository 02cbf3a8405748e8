package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/facturaIA/invoice-pipeline/internal/auth"
	"github.com/facturaIA/invoice-pipeline/internal/logging"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	out, err := execute(t, "token", "--subject", "billing-sync", "--role", "admin", "--ttl", "1h")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	claims, err := auth.NewVerifier("cli-secret", "", logging.Discard()).Parse(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("parse issued token: %v", err)
	}
	if claims.Subject != "billing-sync" || claims.Role != "admin" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestExportCommandRejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "export", "--format", "pdf")
	if err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}

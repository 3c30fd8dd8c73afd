package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	authhttp "github.com/PaulFidika/clinicauth/adapters/http"
	jwtkit "github.com/PaulFidika/clinicauth/jwt"
	"github.com/PaulFidika/clinicauth/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// devIssuer exports a fresh issuer key through the environment and serves
// its JWKS the way `serve` does.
func devIssuer(t *testing.T) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	t.Setenv("ISSUER_KEY_ID", "dev-1")
	t.Setenv("ISSUER_PRIVATE_KEY_PEM", string(privPEM))

	ks, err := jwtkit.LoadKeySource(t.TempDir(), nil)
	require.NoError(t, err)
	srv := httptest.NewServer(authhttp.JWKSHandler(ks, 0))
	t.Cleanup(srv.Close)

	t.Setenv("CLINICAUTH_CONFIG", "")
	t.Setenv("JWT_ISSUER", "https://issuer.clinic.test")
	t.Setenv("JWT_AUDIENCE", "healthcare-services")
	t.Setenv("JWKS_URL", srv.URL+"/.well-known/jwks.json")
	t.Setenv("LOG_LEVEL", "error")
}

func writePolicies(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rbac_policies.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	t.Setenv("RBAC_POLICY_PATH", path)
	return path
}

func TestMintVerifyCheck(t *testing.T) {
	devIssuer(t)
	writePolicies(t, `{"assist.plan":{"roles":["provider"],"specialties_any":["psychiatry"]}}`)

	out, err := execute(t, "mint", "--sub", "prov-1", "--role", "provider", "--specialty", "psychiatry")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	require.Len(t, strings.Split(token, "."), 3)

	out, err = execute(t, "verify", token)
	require.NoError(t, err)
	assert.Contains(t, out, `"sub": "prov-1"`)
	assert.Contains(t, out, `"psychiatry"`)

	out, err = execute(t, "check", "--action", "assist.plan", "Bearer "+token)
	require.NoError(t, err)
	assert.Contains(t, out, "allowed: prov-1 may assist.plan")

	_, err = execute(t, "check", "--action", "assist.triage", token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), rbac.ReasonNoPolicy)
}

func TestVerify_ReadsStdin(t *testing.T) {
	devIssuer(t)
	out, err := execute(t, "mint", "--sub", "pat-1", "--role", "patient")
	require.NoError(t, err)

	root := rootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetIn(strings.NewReader(out))
	root.SetArgs([]string{"verify"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, buf.String(), `"role": "patient"`)
}

func TestVerify_RejectsGarbage(t *testing.T) {
	devIssuer(t)
	_, err := execute(t, "verify", "not-a-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestPolicyLint(t *testing.T) {
	t.Setenv("CLINICAUTH_CONFIG", "")
	good := writePolicies(t, `{"literacy.explain":{"roles":["patient","provider"]}}`)
	out, err := execute(t, "policy", "lint", good)
	require.NoError(t, err)
	assert.Contains(t, out, "literacy.explain")

	bad := filepath.Join(t.TempDir(), "p.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("assist.plan:\n  roles: []\n"), 0600))
	out, err = execute(t, "policy", "lint", bad)
	require.Error(t, err)
	assert.Contains(t, out, "assist.plan: no roles listed")

	broken := filepath.Join(t.TempDir(), "p.json")
	require.NoError(t, os.WriteFile(broken, []byte("{"), 0600))
	_, err = execute(t, "policy", "lint", broken)
	assert.Error(t, err)
}

func TestMigrateDryRun(t *testing.T) {
	t.Setenv("CLINICAUTH_CONFIG", "")
	out, err := execute(t, "migrate", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "20260301000001_audit_events")
}

func TestLintPolicies(t *testing.T) {
	problems := lintPolicies(rbac.PolicyMap{
		"a": {Roles: []string{"provider"}},
		"b": {},
		"c": {Roles: []string{" "}, SpecialtiesAny: []string{""}},
	})
	assert.Equal(t, []string{
		"b: no roles listed, every request is denied",
		"c: blank role name",
		"c: blank specialty name",
	}, problems)
}

func TestBearerHeader(t *testing.T) {
	assert.Equal(t, "Bearer abc", bearerHeader("abc\n"))
	assert.Equal(t, "bearer abc", bearerHeader(" bearer abc"))
}

func TestLocalURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", localURL(":8080"))
	assert.Equal(t, "http://10.0.0.2:9000", localURL("10.0.0.2:9000"))
	assert.Equal(t, "http://[::1]:8080", localURL("[::1]:8080"))
}

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docseal/internal/document/handler"
	"docseal/internal/document/models"
	"docseal/pkg/testutil"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

type keyFiles struct {
	signing, signingPub, recipient, recipientPub, biometric string
}

func generateKeys(t *testing.T, dir, signingKind, recipientKind string) keyFiles {
	t.Helper()
	k := keyFiles{
		signing:      filepath.Join(dir, "issuer.pem"),
		signingPub:   filepath.Join(dir, "issuer.pub.pem"),
		recipient:    filepath.Join(dir, "recipient.pem"),
		recipientPub: filepath.Join(dir, "recipient.pub.pem"),
		biometric:    filepath.Join(dir, "bio.key"),
	}
	_, err := execute(t, "keygen", "--kind", signingKind, "--out", k.signing, "--public", k.signingPub, "--key-id", "issuer-1")
	require.NoError(t, err)
	_, err = execute(t, "keygen", "--kind", recipientKind, "--rsa-bits", "2048", "--out", k.recipient, "--public", k.recipientPub)
	require.NoError(t, err)
	_, err = execute(t, "keygen", "--kind", "biometric", "--out", k.biometric)
	require.NoError(t, err)
	return k
}

func writeRequest(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "req.json")
	body := `{"documentType":"id_card","subjectData":{"idNumber":"8001015009087","surname":"Nkosi"},` +
		`"biometrics":"` + base64.StdEncoding.EncodeToString([]byte("fingerprint")) + `",` +
		`"features":{"watermark":true,"hologram":true}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestIssueOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keys := generateKeys(t, dir, kindEd25519, kindRSA)
	reqPath := writeRequest(t, dir)

	issued, err := execute(t, "issue", "--request", reqPath,
		"--recipient", keys.recipientPub,
		"--signing-key", keys.signing, "--signing-key-id", "issuer-1",
		"--biometric-key", keys.biometric,
		"--anchor-ledger", filepath.Join(dir, "ledger"),
		"--payload-out", filepath.Join(dir, "payload.json"))
	require.NoError(t, err)

	var resp handler.IssueResponse
	require.NoError(t, json.Unmarshal([]byte(issued), &resp))
	assert.Equal(t, models.AnchorStatusAnchored, resp.Envelope.Metadata.AnchorStatus)
	assert.Equal(t, "8001015009087", resp.Verification.ID)
	assert.NotEmpty(t, resp.Token)

	envPath := filepath.Join(dir, "env.json")
	require.NoError(t, os.WriteFile(envPath, []byte(issued), 0o600))
	bioOut := filepath.Join(dir, "bio.out")

	testutil.When(t, "the recipient opens the envelope", func(t *testing.T) {
		opened, err := execute(t, "open", "--envelope", envPath,
			"--recipient-key", keys.recipient,
			"--trusted-issuers", keys.signingPub,
			"--biometric-key", keys.biometric,
			"--biometrics-out", bioOut)
		require.NoError(t, err)

		var verify handler.VerifyResponse
		require.NoError(t, json.Unmarshal([]byte(opened), &verify))
		assert.True(t, verify.Verified)
		require.NotNil(t, verify.Document)
		assert.Equal(t, "Nkosi", verify.Document.Subject["surname"])
		require.Len(t, verify.Features, 3)
		assert.True(t, verify.Features[0].Consistent)

		raw, err := os.ReadFile(bioOut)
		require.NoError(t, err)
		assert.Equal(t, "fingerprint", string(raw))
	})

	testutil.When(t, "the printed payload is matched against the envelope", func(t *testing.T) {
		_, err := execute(t, "open", "--envelope", envPath,
			"--recipient-key", keys.recipient, "--trusted-issuers", keys.signingPub,
			"--payload", filepath.Join(dir, "payload.json"))
		require.NoError(t, err)

		forged := resp.Verification
		forged.ID = "8001015009088"
		raw, err := json.Marshal(forged)
		require.NoError(t, err)
		forgedPath := filepath.Join(dir, "forged-payload.json")
		require.NoError(t, os.WriteFile(forgedPath, raw, 0o600))

		out, err := execute(t, "open", "--envelope", envPath,
			"--recipient-key", keys.recipient, "--trusted-issuers", keys.signingPub,
			"--payload", forgedPath)
		assert.ErrorIs(t, err, errVerificationFailed)
		assert.JSONEq(t, `{"verified":false,"error":"verification_failed"}`, out)
	})

	testutil.When(t, "a verifier checks the QR token", func(t *testing.T) {
		out, err := execute(t, "verify-token", resp.Token, "--trusted-issuers", keys.signingPub)
		require.NoError(t, err)
		var tok handler.VerifyTokenResponse
		require.NoError(t, json.Unmarshal([]byte(out), &tok))
		assert.True(t, tok.Valid)
		assert.Equal(t, resp.Verification, *tok.Payload)
	})

	testutil.When(t, "the ciphertext is altered", func(t *testing.T) {
		env := resp.Envelope
		env.Ciphertext = append([]byte(nil), env.Ciphertext...)
		env.Ciphertext[0] ^= 0xff
		raw, err := json.Marshal(env)
		require.NoError(t, err)
		tampered := filepath.Join(dir, "tampered.json")
		require.NoError(t, os.WriteFile(tampered, raw, 0o600))

		out, err := execute(t, "open", "--envelope", tampered,
			"--recipient-key", keys.recipient, "--trusted-issuers", keys.signingPub)
		assert.ErrorIs(t, err, errVerificationFailed)
		assert.JSONEq(t, `{"verified":false,"error":"verification_failed"}`, out)
	})
}

func TestIssuePostQuantumKeys(t *testing.T) {
	dir := t.TempDir()
	keys := generateKeys(t, dir, kindMLDSA, kindMLKEM)
	reqPath := writeRequest(t, dir)

	issued, err := execute(t, "issue", "--request", reqPath,
		"--recipient", keys.recipientPub,
		"--signing-key", keys.signing, "--signing-key-id", "issuer-1",
		"--biometric-key", keys.biometric)
	require.NoError(t, err)

	var resp handler.IssueResponse
	require.NoError(t, json.Unmarshal([]byte(issued), &resp))
	assert.Equal(t, models.WrapMLKEM768, resp.Envelope.Metadata.KeyWrapAlgorithm)
	assert.Empty(t, resp.Token)

	envPath := filepath.Join(dir, "env.json")
	require.NoError(t, os.WriteFile(envPath, []byte(issued), 0o600))
	_, err = execute(t, "open", "--envelope", envPath,
		"--recipient-key", keys.recipient, "--trusted-issuers", keys.signingPub)
	require.NoError(t, err)
}

func TestKeygenRejectsUnknownKind(t *testing.T) {
	_, err := execute(t, "keygen", "--kind", "dsa", "--out", filepath.Join(t.TempDir(), "k.pem"))
	assert.Error(t, err)

	_, err = execute(t, "keygen", "--kind", "rsa", "--rsa-bits", "1024", "--out", filepath.Join(t.TempDir(), "k.pem"))
	assert.Error(t, err)
}

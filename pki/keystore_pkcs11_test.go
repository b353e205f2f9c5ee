//go:build pkcs11

package pki_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/caadm/internal/testca"
	"github.com/jmcleod/caadm/pki"
)

// softhsmAvailable returns true if SoftHSM2 is configured for testing.
func softhsmAvailable() bool {
	return os.Getenv("SOFTHSM2_MODULE") != "" &&
		os.Getenv("SOFTHSM2_TOKEN_LABEL") != "" &&
		os.Getenv("SOFTHSM2_PIN") != "" &&
		os.Getenv("SOFTHSM2_KEY_LABEL") != ""
}

func newPKCS11KeyStore(t *testing.T) *pki.PKCS11KeyStore {
	t.Helper()
	if !softhsmAvailable() {
		t.Skip("SoftHSM2 not configured (set SOFTHSM2_MODULE, SOFTHSM2_TOKEN_LABEL, SOFTHSM2_PIN, SOFTHSM2_KEY_LABEL)")
	}
	ks, err := pki.NewPKCS11KeyStore(pki.PKCS11Config{
		ModulePath: os.Getenv("SOFTHSM2_MODULE"),
		TokenLabel: os.Getenv("SOFTHSM2_TOKEN_LABEL"),
		PIN:        os.Getenv("SOFTHSM2_PIN"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })
	return ks
}

func TestPKCS11KeyStore_SignerFromReference(t *testing.T) {
	ks := newPKCS11KeyStore(t)

	ref := pki.PKCS11Prefix + os.Getenv("SOFTHSM2_KEY_LABEL")
	signer, err := pki.LoadSigner(ks, []byte(ref))
	require.NoError(t, err)
	assert.NotNil(t, signer.Public())

	// Delete never touches the token.
	keyID, err := ks.ImportPEM([]byte(ref))
	require.NoError(t, err)
	require.NoError(t, ks.Delete(keyID))
	_, err = ks.Signer(keyID)
	assert.NoError(t, err)
}

func TestPKCS11KeyStore_ImportPEM_RejectsRealPEM(t *testing.T) {
	ks := newPKCS11KeyStore(t)
	ca := testca.New(t, "hsm")
	_, err := ks.ImportPEM(ca.KeyPEM)
	assert.ErrorIs(t, err, pki.ErrUnsupportedKey)
}

func TestPKCS11KeyStore_UnknownLabel(t *testing.T) {
	ks := newPKCS11KeyStore(t)
	_, err := ks.ImportPEM([]byte(pki.PKCS11Prefix + "no-such-label-" + time.Now().Format("150405")))
	assert.ErrorIs(t, err, pki.ErrKeyNotFound)
}

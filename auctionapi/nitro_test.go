package auctionapi

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func mockAttestation(t *testing.T, userData []byte) COSE {
	t.Helper()
	nested, err := cbor.Marshal(map[string]any{
		"module_id": "test-enclave-12345",
		"digest":    "SHA384",
		"timestamp": uint64(1700000000123),
		"pcrs": map[uint64][]byte{
			0: {0x3b, 0x4c},
			1: {0x4b, 0x4d},
			2: {0x2b, 0xdd},
		},
		"certificate": []byte("test-certificate-data"),
		"cabundle":    [][]byte{[]byte("test-ca-cert")},
		"public_key":  []byte("test-public-key-data"),
		"user_data":   userData,
		"nonce":       []byte("nonce-1"),
	})
	assert.NoError(t, err)

	doc, err := cbor.Marshal([]any{
		[]byte{0x01, 0x02, 0x03},
		map[string]any{},
		nested,
		[]byte{0x04, 0x05, 0x06},
	})
	assert.NoError(t, err)
	return COSE(doc)
}

func TestParseAttestationDoc(t *testing.T) {
	att := mockAttestation(t, []byte(`{"receipt_hash":"abc"}`))

	doc, userData, err := att.ParseAttestationDoc()
	assert.NoError(t, err)

	check.Equal(t, "test-enclave-12345", doc.ModuleID)
	check.Equal(t, "SHA384", doc.DigestAlgorithm)
	check.Equal(t, time.UnixMilli(1700000000123).UTC(), doc.Timestamp)
	check.Equal(t, "3b4c", doc.PCRs.ImageFileHash)
	check.Equal(t, "4b4d", doc.PCRs.KernelHash)
	check.Equal(t, "2bdd", doc.PCRs.ApplicationHash)
	check.Equal(t, "", doc.PCRs.SigningCertHash)
	check.Equal(t, base64.StdEncoding.EncodeToString([]byte("test-certificate-data")), doc.Certificate)
	check.Equal(t, []string{base64.StdEncoding.EncodeToString([]byte("test-ca-cert"))}, doc.CABundle)
	check.Equal(t, "nonce-1", doc.Nonce)
	check.Equal(t, `{"receipt_hash":"abc"}`, string(userData))
}

func TestParseAttestationDoc_InvalidPayload(t *testing.T) {
	doc, err := cbor.Marshal([]any{[]byte{}, map[string]any{}, []byte("not a map"), []byte{}})
	assert.NoError(t, err)

	_, _, err = COSE(doc).ParseAttestationDoc()
	check.NotNil(t, err)
}

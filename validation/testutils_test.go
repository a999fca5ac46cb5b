package validation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/assert"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/dutchauction/auctionapi"
	"github.com/cloudx-io/dutchauction/core"
)

func newHostKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NoError(t, err)
	return key
}

func publicKeyPEM(t *testing.T, key *ecdsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(key)
	assert.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func winningReceipt() auctionapi.Receipt {
	return auctionapi.Receipt{
		ReceiptID:             "receipt-1",
		AuctionID:             "auction-1",
		AssetRef:              "nft-1",
		Owner:                 "owner",
		Winner:                "bidder2",
		AssetTo:               "bidder2",
		ClearingPrice:         101,
		ReservePrice:          100,
		DurationSteps:         10,
		PriceDecrementPerStep: 1,
		OpenStep:              0,
		SettledStep:           10,
		BidHashNonce:          "nonce",
		BidHashes:             []string{"hash-1", "hash-2"},
		IssuedAt:              1700000000,
	}
}

// signPayload signs raw receipt bytes the way auctiond does.
func signPayload(t *testing.T, key *ecdsa.PrivateKey, payload []byte) auctionapi.ReceiptResponse {
	t.Helper()
	signer, err := cose.NewSigner(cose.AlgorithmES256, key)
	assert.NoError(t, err)

	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(cose.AlgorithmES256)
	msg.Payload = payload
	assert.NoError(t, msg.Sign(rand.Reader, nil, signer))

	data, err := msg.MarshalCBOR()
	assert.NoError(t, err)

	return auctionapi.ReceiptResponse{
		Type:        "receipt",
		ReceiptHash: core.ComputeReceiptHash(payload),
		ReceiptCOSE: auctionapi.COSE(data).EncodeBase64(),
		PublicKey:   publicKeyPEM(t, &key.PublicKey),
	}
}

func signReceipt(t *testing.T, key *ecdsa.PrivateKey, r auctionapi.Receipt) auctionapi.ReceiptResponse {
	t.Helper()
	payload, err := r.Encode()
	assert.NoError(t, err)
	return signPayload(t, key, payload)
}

// mockNitroAttestation builds an untagged ES384 COSE_Sign1 attestation
// document signed by a self-signed certificate. The signature verifies but
// the chain does not lead to the AWS Nitro root.
func mockNitroAttestation(t *testing.T, userData auctionapi.ReceiptAttestationUserData) auctionapi.COSE {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	assert.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-enclave"},
		NotBefore:    time.Unix(1600000000, 0),
		NotAfter:     time.Unix(1900000000, 0),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	assert.NoError(t, err)

	userDataBytes, err := json.Marshal(userData)
	assert.NoError(t, err)

	payload, err := cbor.Marshal(map[string]any{
		"module_id": "test-enclave",
		"digest":    "SHA384",
		"timestamp": uint64(1700000000000),
		"pcrs": map[uint64][]byte{
			0: {0xaa},
			1: {0xbb},
			2: {0xcc},
		},
		"certificate": certDER,
		"cabundle":    [][]byte{certDER},
		"user_data":   userDataBytes,
		"nonce":       []byte("nonce"),
	})
	assert.NoError(t, err)

	signer, err := cose.NewSigner(cose.AlgorithmES384, key)
	assert.NoError(t, err)
	msg := cose.UntaggedSign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{cose.HeaderLabelAlgorithm: cose.AlgorithmES384},
		},
		Payload: payload,
	}
	assert.NoError(t, msg.Sign(rand.Reader, nil, signer))

	data, err := msg.MarshalCBOR()
	assert.NoError(t, err)
	return auctionapi.COSE(data)
}

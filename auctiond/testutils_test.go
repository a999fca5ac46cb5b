package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/assert"
	dto "github.com/prometheus/client_model/go"

	"github.com/cloudx-io/dutchauction/auctionapi"
	"github.com/cloudx-io/dutchauction/core"
)

// MockEnclaveHandle implements the Attest method for testing
type MockEnclaveHandle struct {
	AttestFunc func(options enclave.AttestationOptions) ([]byte, error)
}

func (m *MockEnclaveHandle) Attest(options enclave.AttestationOptions) ([]byte, error) {
	if m.AttestFunc != nil {
		return m.AttestFunc(options)
	}
	return nil, fmt.Errorf("mock not configured")
}

func mustDecodeHex(t *testing.T, hexStr string) []byte {
	t.Helper()
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		panic(fmt.Sprintf("invalid hex string: %s", hexStr))
	}
	return b
}

// createMockEnclave returns an attester producing Nitro-shaped documents
// that echo the requested user data and nonce. The signature is not valid.
func createMockEnclave(t *testing.T) *MockEnclaveHandle {
	t.Helper()
	return &MockEnclaveHandle{
		AttestFunc: func(options enclave.AttestationOptions) ([]byte, error) {
			nestedDoc := map[string]any{
				"module_id": "test-enclave-12345",
				"digest":    "SHA384",
				"timestamp": uint64(1700000000000),
				"pcrs": map[uint64][]byte{
					0: mustDecodeHex(t, "3b4cef27e672fdbcc808960a88ddfe7329dd2e367b6850c9a8d910315f0b47e4224d6db361b75e010c87691d86ca9c57"),
					1: mustDecodeHex(t, "4b4d5b3661b3efc12920900c80e126e4ce783c522de6c02a2a5bf7af3a2b9327b86776f188e4be1c1c404a129dbda493"),
					2: mustDecodeHex(t, "2bdd28c1d85bb3872da3617a29a6bfeb50c65750c995f92e7dac6b5f2c4c72e0f9976bdee62a0b25864d10dffb535e11"),
				},
				"certificate": []byte("test-certificate-data"),
				"cabundle":    [][]byte{[]byte("test-ca-cert")},
				"public_key":  []byte("test-public-key-data"),
				"user_data":   options.UserData,
				"nonce":       options.Nonce,
			}
			nestedBytes, err := cbor.Marshal(nestedDoc)
			if err != nil {
				return nil, err
			}
			return cbor.Marshal([]any{
				[]byte{0x01, 0x02, 0x03},
				map[string]any{},
				nestedBytes,
				[]byte{0x04, 0x05, 0x06},
			})
		},
	}
}

// parseReceiptAttestation returns the user data embedded in a receipt
// attestation.
func parseReceiptAttestation(t *testing.T, att auctionapi.COSEBase64) auctionapi.ReceiptAttestationUserData {
	t.Helper()
	raw, err := att.Decode()
	assert.NoError(t, err)
	_, userDataBytes, err := raw.ParseAttestationDoc()
	assert.NoError(t, err)

	var userData auctionapi.ReceiptAttestationUserData
	assert.NoError(t, json.Unmarshal(userDataBytes, &userData))
	return userData
}

const testAuctionYAML = `
auction_id: auction-1
escrow_account: escrow
token:
  symbol: BID
  decimals: 2
auction:
  owner: owner
  asset_ref: nft-1
  reserve_price: 100
  duration_steps: 10
  price_decrement_per_step: 1
genesis:
  balances:
    bidder1: 1000
    bidder2: 1000
  allowances:
    - owner: bidder1
      amount: 1000
    - owner: bidder2
      amount: 1000
`

func testAuctionFile(t *testing.T) *AuctionFile {
	t.Helper()
	file, err := ParseAuctionFile([]byte(testAuctionYAML))
	assert.NoError(t, err)
	return file
}

func testConfig() Config {
	return Config{
		Transport:   TransportTCP,
		ListenAddr:  "127.0.0.1:0",
		MaxWorkers:  4,
		ReadTimeout: 5 * time.Second,
		AuctionFile: "auction.yaml",
	}
}

func newTestServer(t *testing.T, cfg Config, deps ServerDeps) *AuctionServer {
	t.Helper()
	s, err := NewAuctionServer(context.Background(), cfg, testAuctionFile(t), deps)
	assert.NoError(t, err)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	return s
}

// send runs one request through the dispatcher.
func send(t *testing.T, s *AuctionServer, req any) any {
	t.Helper()
	payload, err := json.Marshal(req)
	assert.NoError(t, err)
	return s.handleRequest(context.Background(), payload)
}

func errorCode(t *testing.T, resp any) string {
	t.Helper()
	errResp, ok := resp.(auctionapi.ErrorResponse)
	if !ok {
		t.Fatalf("expected error response, got %T: %+v", resp, resp)
	}
	return errResp.Code
}

func bid(t *testing.T, s *AuctionServer, bidder core.Identity, amount core.Amount) any {
	t.Helper()
	return send(t, s, auctionapi.BidRequest{Type: auctionapi.RequestBid, Bidder: bidder, Amount: amount})
}

// metricValue returns the value of the counter or gauge name carrying the
// given label value, or of the unlabelled metric when label is empty.
func metricValue(t *testing.T, m *Metrics, name, label string) float64 {
	t.Helper()
	families, err := m.registry.Gather()
	assert.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if label != "" && !hasLabelValue(metric, label) {
				continue
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	return 0
}

func hasLabelValue(metric *dto.Metric, value string) bool {
	for _, pair := range metric.GetLabel() {
		if pair.GetValue() == value {
			return true
		}
	}
	return false
}

// Package didpeer implements did:peer numalgo 2: a DID whose document is
// encoded entirely in the identifier string, no ledger or network fetch
// required. The mediator uses it to mint a routing_did for each mediated
// recipient (spec: "freshly minted routing_did") that advertises this
// mediator's own DIDCommMessaging service endpoint.
package didpeer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"

	"github.com/layr8/didcomm-mediator/internal/diddoc"
)

var codecX25519Pub = []byte{0xec, 0x01}
var codecEd25519Pub = []byte{0xed, 0x01}

// abbreviatedService is the compact numalgo-2 service encoding:
// t=type, s=serviceEndpoint, r=routingKeys, a=accept.
type abbreviatedService struct {
	Type     string   `json:"t"`
	Endpoint string   `json:"s"`
	Routing  []string `json:"r,omitempty"`
	Accept   []string `json:"a,omitempty"`
}

// GenerateNuma2 mints a did:peer:2 identifier for a single key-agreement
// key, an optional authentication key, and a DIDCommMessaging service
// endpoint advertised to third parties on behalf of the mediated
// recipient.
func GenerateNuma2(keyAgreementPub []byte, authPub []byte, serviceEndpoint string) (string, *diddoc.Document) {
	var b strings.Builder
	b.WriteString("did:peer:2")

	b.WriteString(".E")
	b.WriteString(encodeKey(codecX25519Pub, keyAgreementPub))

	if len(authPub) > 0 {
		b.WriteString(".V")
		b.WriteString(encodeKey(codecEd25519Pub, authPub))
	}

	svc := abbreviatedService{
		Type:     "dm", // DIDCommMessaging abbreviated
		Endpoint: serviceEndpoint,
	}
	svcJSON, _ := json.Marshal(svc)
	b.WriteString(".S")
	b.WriteString(base64.RawURLEncoding.EncodeToString(svcJSON))

	did := b.String()
	doc, _ := Resolve(did)
	return did, doc
}

// Resolve parses a did:peer:2 identifier into a DID document. No network
// access is performed; the document is wholly derived from the identifier.
func Resolve(did string) (*diddoc.Document, error) {
	if !strings.HasPrefix(did, "did:peer:2") {
		return nil, fmt.Errorf("didpeer: not a numalgo-2 did:peer identifier: %q", did)
	}
	rest := strings.TrimPrefix(did, "did:peer:2")

	doc := &diddoc.Document{ID: did}
	keyIndex := 0

	for _, part := range strings.Split(rest, ".") {
		if part == "" {
			continue
		}
		purpose := part[0]
		value := part[1:]

		switch purpose {
		case 'E':
			raw := base58.Decode(strings.TrimPrefix(value, "z"))
			pub, err := decodeMulticodec(raw, codecX25519Pub)
			if err != nil {
				return nil, fmt.Errorf("didpeer: key agreement entry: %w", err)
			}
			keyIndex++
			vmID := fmt.Sprintf("%s#key-%d", did, keyIndex)
			doc.VerificationMethod = append(doc.VerificationMethod, diddoc.VerificationMethod{
				ID: vmID, Type: "X25519KeyAgreementKey2020", Controller: did,
				PublicKeyMultibase: "z" + base58.Encode(append(append([]byte{}, codecX25519Pub...), pub...)),
			})
			doc.KeyAgreement = append(doc.KeyAgreement, vmID)

		case 'V':
			raw := base58.Decode(strings.TrimPrefix(value, "z"))
			pub, err := decodeMulticodec(raw, codecEd25519Pub)
			if err != nil {
				return nil, fmt.Errorf("didpeer: verification entry: %w", err)
			}
			keyIndex++
			vmID := fmt.Sprintf("%s#key-%d", did, keyIndex)
			doc.VerificationMethod = append(doc.VerificationMethod, diddoc.VerificationMethod{
				ID: vmID, Type: "Ed25519VerificationKey2020", Controller: did,
				PublicKeyMultibase: "z" + base58.Encode(append(append([]byte{}, codecEd25519Pub...), pub...)),
			})
			doc.Authentication = append(doc.Authentication, vmID)

		case 'S':
			raw, err := base64.RawURLEncoding.DecodeString(value)
			if err != nil {
				return nil, fmt.Errorf("didpeer: service entry: %w", err)
			}
			var svc abbreviatedService
			if err := json.Unmarshal(raw, &svc); err != nil {
				return nil, fmt.Errorf("didpeer: service entry json: %w", err)
			}
			doc.Service = append(doc.Service, diddoc.Service{
				ID:              fmt.Sprintf("%s#service", did),
				Type:            "DIDCommMessaging",
				ServiceEndpoint: svc.Endpoint,
				RoutingKeys:     svc.Routing,
				Accept:          svc.Accept,
			})

		default:
			return nil, fmt.Errorf("didpeer: unknown purpose code %q", string(purpose))
		}
	}

	return doc, nil
}

func encodeKey(codec, key []byte) string {
	buf := make([]byte, 0, len(codec)+len(key))
	buf = append(buf, codec...)
	buf = append(buf, key...)
	return "z" + base58.Encode(buf)
}

func decodeMulticodec(raw []byte, wantCodec []byte) ([]byte, error) {
	if len(raw) < len(wantCodec)+1 {
		return nil, fmt.Errorf("key too short")
	}
	if raw[0] != wantCodec[0] || raw[1] != wantCodec[1] {
		return nil, fmt.Errorf("unexpected multicodec prefix")
	}
	return raw[len(wantCodec):], nil
}

// Package diddoc defines the DID document model shared by the resolver
// and the did:key / did:peer / did:web method implementations.
package diddoc

import "fmt"

// VerificationMethod is one verification method entry in a DID document.
// https://www.w3.org/TR/did-core/#verification-methods
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase,omitempty"`
	PublicKeyJWK       any    `json:"publicKeyJwk,omitempty"`
}

// Service is one service entry in a DID document. DIDCommMessaging services
// carry the routing information a sender needs to reach the subject.
type Service struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	ServiceEndpoint string   `json:"serviceEndpoint,omitempty"`
	Accept          []string `json:"accept,omitempty"`
	RoutingKeys     []string `json:"routingKeys,omitempty"`
}

// Document is a DID document, holding verification methods in a flat slice
// referenced by ID from the relationship lists below. This avoids building
// an owned cyclic graph of back-references: a consumer resolves a KeyID to
// a VerificationMethod through the index built by newIndex, not through
// pointers embedded in the document itself.
type Document struct {
	ID                 string                `json:"id"`
	VerificationMethod []VerificationMethod  `json:"verificationMethod,omitempty"`
	Authentication     []string              `json:"authentication,omitempty"`
	KeyAgreement       []string              `json:"keyAgreement,omitempty"`
	Service            []Service             `json:"service,omitempty"`

	index map[string]*VerificationMethod
}

// Index lazily builds and returns the ID → VerificationMethod lookup table.
func (d *Document) Index() map[string]*VerificationMethod {
	if d.index != nil {
		return d.index
	}
	idx := make(map[string]*VerificationMethod, len(d.VerificationMethod))
	for i := range d.VerificationMethod {
		vm := &d.VerificationMethod[i]
		idx[vm.ID] = vm
	}
	d.index = idx
	return idx
}

// FindVerificationMethod resolves a KeyId (DID URL with a #fragment) to its
// verification method, or an error if not present in this document.
func (d *Document) FindVerificationMethod(keyID string) (*VerificationMethod, error) {
	vm, ok := d.Index()[keyID]
	if !ok {
		return nil, fmt.Errorf("resolver: verification method %q not found in document %q", keyID, d.ID)
	}
	return vm, nil
}

// KeyAgreementKeys resolves every keyAgreement reference to its
// VerificationMethod, skipping any reference this document cannot resolve
// (embedded vs. referenced key agreement entries).
func (d *Document) KeyAgreementKeys() []*VerificationMethod {
	out := make([]*VerificationMethod, 0, len(d.KeyAgreement))
	for _, ref := range d.KeyAgreement {
		if vm, ok := d.Index()[ref]; ok {
			out = append(out, vm)
		}
	}
	return out
}

// AuthenticationKeys resolves every authentication reference to its
// VerificationMethod.
func (d *Document) AuthenticationKeys() []*VerificationMethod {
	out := make([]*VerificationMethod, 0, len(d.Authentication))
	for _, ref := range d.Authentication {
		if vm, ok := d.Index()[ref]; ok {
			out = append(out, vm)
		}
	}
	return out
}

// DIDCommService returns the first service entry of type
// "DIDCommMessaging", if any.
func (d *Document) DIDCommService() (*Service, bool) {
	for i := range d.Service {
		if d.Service[i].Type == "DIDCommMessaging" {
			return &d.Service[i], true
		}
	}
	return nil, false
}

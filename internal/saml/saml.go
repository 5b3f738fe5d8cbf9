// Package saml consumes SAML assertions from a trusted identity provider.
//
// An assertion is accepted only when its XML signature chains to a pinned
// IdP certificate, its validity window (with bounded clock skew) contains
// now, its audience restriction names this service, and its assertion ID has
// never been seen before. The replay check is first-writer-wins through the
// replay store, so two instances presented the same assertion accept it at
// most once between them.
package saml

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	apperrors "aegis/internal/platform/errors"
	"aegis/internal/storage"
)

// DefaultClockSkew is the tolerated distance between this service's clock
// and the identity provider's.
const DefaultClockSkew = 90 * time.Second

var (
	// ErrInvalidSignature indicates the assertion signature did not verify
	// against any pinned IdP certificate.
	ErrInvalidSignature = apperrors.New(apperrors.CodeSamlInvalidSignature, "assertion signature is invalid")
	// ErrExpired indicates the assertion's NotOnOrAfter has passed.
	ErrExpired = apperrors.New(apperrors.CodeSamlAssertionExpired, "assertion is expired")
	// ErrNotYetValid indicates the assertion's NotBefore is in the future.
	ErrNotYetValid = apperrors.New(apperrors.CodeSamlAssertionNotYetValid, "assertion is not yet valid")
	// ErrAudienceMismatch indicates the assertion restricts its audience to
	// someone else.
	ErrAudienceMismatch = apperrors.New(apperrors.CodeSamlAudienceMismatch, "assertion audience mismatch")
	// ErrReplayDetected indicates the assertion ID was already consumed.
	ErrReplayDetected = apperrors.New(apperrors.CodeSamlReplayDetected, "assertion replay detected")
	// ErrMalformed indicates the payload is not a well-formed assertion.
	ErrMalformed = apperrors.New(apperrors.CodeSamlMalformed, "assertion is malformed")
)

// Identity is the verified outcome of consuming an assertion.
type Identity struct {
	AssertionID  string
	NameID       string
	Issuer       string
	Attributes   map[string][]string
	NotOnOrAfter time.Time
}

// Processor validates and consumes SAML assertions.
type Processor struct {
	audience     string
	certificates []*x509.Certificate
	clockSkew    time.Duration
	clock        func() time.Time
}

// Config describes processor policy.
type Config struct {
	// Audience is this service's entity ID, required of every assertion
	// that carries an audience restriction.
	Audience string
	// IDPCertificates pins the identity provider signing certificates.
	IDPCertificates []*x509.Certificate
	// ClockSkew bounds tolerated clock drift against the IdP.
	ClockSkew time.Duration
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

// New creates an assertion processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Audience == "" {
		return nil, apperrors.New(apperrors.CodeUnknown, "audience is required")
	}
	if len(cfg.IDPCertificates) == 0 {
		return nil, apperrors.New(apperrors.CodeUnknown, "at least one idp certificate is required")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Processor{
		audience:     cfg.Audience,
		certificates: cfg.IDPCertificates,
		clockSkew:    cfg.ClockSkew,
		clock:        cfg.Clock,
	}, nil
}

// assertionXML mirrors the subset of the SAML 2.0 assertion schema the
// processor reads. It is unmarshaled only from signature-validated XML.
type assertionXML struct {
	XMLName      xml.Name
	ID           string `xml:"ID,attr"`
	IssueInstant string `xml:"IssueInstant,attr"`
	Issuer       string `xml:"Issuer"`
	Subject      struct {
		NameID string `xml:"NameID"`
	} `xml:"Subject"`
	Conditions struct {
		NotBefore           string `xml:"NotBefore,attr"`
		NotOnOrAfter        string `xml:"NotOnOrAfter,attr"`
		AudienceRestriction []struct {
			Audience []string `xml:"Audience"`
		} `xml:"AudienceRestriction"`
	} `xml:"Conditions"`
	AttributeStatement struct {
		Attributes []struct {
			Name   string   `xml:"Name,attr"`
			Values []string `xml:"AttributeValue"`
		} `xml:"Attribute"`
	} `xml:"AttributeStatement"`
}

// Verify checks an assertion's signature and conditions without consuming
// its ID. The payload is the base64-encoded XML as delivered by the binding.
func (p *Processor) Verify(encoded string) (Identity, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Identity{}, ErrMalformed
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return Identity{}, ErrMalformed
	}
	root := doc.Root()
	if root == nil {
		return Identity{}, ErrMalformed
	}

	validated, err := p.validateSignature(root)
	if err != nil {
		return Identity{}, err
	}

	assertion, err := decodeAssertion(validated)
	if err != nil {
		return Identity{}, err
	}
	return p.checkConditions(assertion)
}

func (p *Processor) validateSignature(root *etree.Element) (*etree.Element, error) {
	vctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: p.certificates,
	})
	vctx.Clock = dsig.NewFakeClockAt(p.clock().UTC())

	validated, err := vctx.Validate(root)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if validated.Tag == "Assertion" {
		return validated, nil
	}
	// Signed envelope; the assertion rides inside the validated tree.
	assertion := validated.FindElement("./Assertion")
	if assertion == nil {
		return nil, ErrMalformed
	}
	return assertion, nil
}

func decodeAssertion(element *etree.Element) (assertionXML, error) {
	doc := etree.NewDocument()
	doc.SetRoot(element.Copy())
	raw, err := doc.WriteToBytes()
	if err != nil {
		return assertionXML{}, ErrMalformed
	}

	var assertion assertionXML
	if err := xml.Unmarshal(raw, &assertion); err != nil {
		return assertionXML{}, ErrMalformed
	}
	if assertion.XMLName.Local != "Assertion" {
		return assertionXML{}, ErrMalformed
	}
	if assertion.ID == "" || assertion.Subject.NameID == "" {
		return assertionXML{}, ErrMalformed
	}
	return assertion, nil
}

func (p *Processor) checkConditions(assertion assertionXML) (Identity, error) {
	now := p.clock().UTC()

	notBefore, err := parseSAMLTime(assertion.Conditions.NotBefore)
	if err != nil {
		return Identity{}, ErrMalformed
	}
	notOnOrAfter, err := parseSAMLTime(assertion.Conditions.NotOnOrAfter)
	if err != nil {
		return Identity{}, ErrMalformed
	}
	if now.Add(p.clockSkew).Before(notBefore) {
		return Identity{}, ErrNotYetValid
	}
	if !now.Add(-p.clockSkew).Before(notOnOrAfter) {
		return Identity{}, ErrExpired
	}

	if len(assertion.Conditions.AudienceRestriction) > 0 {
		if !audienceAllowed(assertion, p.audience) {
			return Identity{}, ErrAudienceMismatch
		}
	}

	attributes := make(map[string][]string)
	for _, attribute := range assertion.AttributeStatement.Attributes {
		attributes[attribute.Name] = attribute.Values
	}
	return Identity{
		AssertionID:  assertion.ID,
		NameID:       assertion.Subject.NameID,
		Issuer:       assertion.Issuer,
		Attributes:   attributes,
		NotOnOrAfter: notOnOrAfter,
	}, nil
}

// ReplayExpiry is when a consumed assertion ID can be forgotten: once the
// assertion itself can no longer validate, remembering it buys nothing.
func (p *Processor) ReplayExpiry(identity Identity) time.Time {
	return identity.NotOnOrAfter.Add(p.clockSkew)
}

// Consume verifies an assertion and claims its ID in the replay store.
// The claim is first-writer-wins; a second consume of the same assertion
// reports ErrReplayDetected no matter which instance got there first. The
// replayed identity is returned alongside the error so callers can record
// who the replay named, but it must never be logged in.
func (p *Processor) Consume(ctx context.Context, replay storage.ReplayStore, encoded string) (Identity, error) {
	identity, err := p.Verify(encoded)
	if err != nil {
		return Identity{}, err
	}
	inserted, err := replay.RecordAssertionID(ctx, identity.AssertionID, p.ReplayExpiry(identity))
	if err != nil {
		return Identity{}, err
	}
	if !inserted {
		return identity, ErrReplayDetected
	}
	return identity, nil
}

func audienceAllowed(assertion assertionXML, audience string) bool {
	for _, restriction := range assertion.Conditions.AudienceRestriction {
		for _, candidate := range restriction.Audience {
			if candidate == audience {
				return true
			}
		}
	}
	return false
}

func parseSAMLTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339, value)
}

package websocket

import (
	"errors"
	"testing"
)

type stubExtension struct {
	name string
	bits ExtensionFlags
	ok   bool
}

func (e *stubExtension) Name() string { return e.name }

func (e *stubExtension) TryNegotiate(offer ExtensionOffer) (ExtensionContext, string, bool) {
	if !e.ok {
		return nil, "", false
	}
	return &stubContext{name: e.name, bits: e.bits}, offer.String(), true
}

type stubContext struct {
	name string
	bits ExtensionFlags
}

func (c *stubContext) ReservedBits() ExtensionFlags { return c.bits }
func (c *stubContext) WrapReader(r MessageReader) MessageReader { return r }
func (c *stubContext) WrapWriter(w MessageWriter) MessageWriter { return w }

func TestNegotiateExtensions(t *testing.T) {
	exts := []Extension{
		&stubExtension{name: "x-a", bits: ExtensionFlags{RSV2: true}, ok: true},
		&stubExtension{name: "x-b", bits: ExtensionFlags{RSV2: true}, ok: true},
		&stubExtension{name: "x-c", bits: ExtensionFlags{RSV3: true}, ok: true},
		&stubExtension{name: "x-never", ok: false},
	}
	offers := ParseExtensions(headerWith(headerSecWsExt, "x-c; p=1, x-unknown, x-never, x-a, x-b, x-c; p=2"))

	contexts, responses := negotiateExtensions(exts, offers)

	// x-b conflicts with x-a on RSV2, the second x-c offer is ignored
	expected := []string{"x-c; p=1", "x-a"}
	if len(responses) != len(expected) || len(contexts) != len(expected) {
		t.Fatalf("negotiateExtensions() = %q, ERROR expected %q", responses, expected)
	}
	for i, name := range []string{"x-c", "x-a"} {
		if responses[i] != expected[i] {
			t.Errorf("response %d = %q, ERROR expected %q", i, responses[i], expected[i])
		}
		if actual := contexts[i].(*stubContext).name; actual != name {
			t.Errorf("context %d = %q, ERROR expected %q", i, actual, name)
		}
	}
}

func TestNegotiateExtensionsNone(t *testing.T) {
	contexts, responses := negotiateExtensions(nil, ParseExtensions(headerWith(headerSecWsExt, "permessage-deflate")))
	if contexts != nil || responses != nil {
		t.Errorf("negotiateExtensions() = %v, %q, ERROR expected nothing", contexts, responses)
	}
}

func TestSetExtensionsAllowsReservedBits(t *testing.T) {
	c, _ := newTestConn(true, nil, testConfig())
	c.setExtensions([]ExtensionContext{
		&stubContext{bits: ExtensionFlags{RSV1: true}},
		&stubContext{bits: ExtensionFlags{RSV3: true}},
	})

	if c.allowedRSV != (ExtensionFlags{RSV1: true, RSV3: true}).bits() {
		t.Errorf("allowedRSV = %03b, ERROR expected RSV1 and RSV3", c.allowedRSV)
	}
}

func TestDialerAcceptExtensions(t *testing.T) {
	d := &Dialer{Extensions: []ClientExtension{&PerMessageDeflate{}}}

	contexts, err := d.acceptExtensions(ParseExtensions(headerWith(headerSecWsExt, deflateResponse)))
	if err != nil || len(contexts) != 1 {
		t.Errorf("acceptExtensions() = %v, %v, ERROR expected one context", contexts, err)
	}

	_, err = d.acceptExtensions(ParseExtensions(headerWith(headerSecWsExt, "x-unrequested")))
	if !errors.Is(err, ErrExtension) {
		t.Errorf("acceptExtensions(x-unrequested) error = %v, ERROR expected ErrExtension", err)
	}

	_, err = d.acceptExtensions(ParseExtensions(headerWith(headerSecWsExt, deflateResponse+", "+deflateResponse)))
	if !errors.Is(err, ErrExtension) {
		t.Errorf("acceptExtensions(twice) error = %v, ERROR expected ErrExtension", err)
	}
}

package websocket

import (
	"net/http"
	"strings"

	"github.com/wmdanor/wsengine/internal"
)

type ExtensionParam struct {
	Key   string
	Value string
}

// ExtensionOffer is one element of a Sec-WebSocket-Extensions header.
type ExtensionOffer struct {
	Name   string
	Params []ExtensionParam
}

func (o ExtensionOffer) Param(key string) (string, bool) {
	for _, p := range o.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func (o ExtensionOffer) String() string {
	var b strings.Builder
	b.WriteString(o.Name)
	for _, p := range o.Params {
		b.WriteString("; ")
		b.WriteString(p.Key)
		if p.Value != "" {
			b.WriteByte('=')
			b.WriteString(p.Value)
		}
	}
	return b.String()
}

// ParseExtensions lists the Sec-WebSocket-Extensions elements of h in
// the order they appear.
func ParseExtensions(h http.Header) []ExtensionOffer {
	elems := internal.ParseElements(h, headerSecWsExt)
	offers := make([]ExtensionOffer, 0, len(elems))
	for _, el := range elems {
		offer := ExtensionOffer{Name: el.Name}
		for _, p := range el.Params {
			offer.Params = append(offer.Params, ExtensionParam{Key: p.Key, Value: p.Value})
		}
		offers = append(offers, offer)
	}
	return offers
}

// ExtensionContext transforms the messages of one connection after the
// extension was negotiated.
type ExtensionContext interface {
	// ReservedBits are the RSV bits the extension may set on a frame.
	ReservedBits() ExtensionFlags
	// WrapReader may return r unchanged when the message was not
	// transformed. Decoding failures must wrap ErrExtension.
	WrapReader(r MessageReader) MessageReader
	// WrapWriter must close w when the returned writer is closed.
	WrapWriter(w MessageWriter) MessageWriter
}

// Extension is negotiated by the server for each matching client offer.
type Extension interface {
	Name() string
	// TryNegotiate returns the context and the response element when the
	// offer is acceptable.
	TryNegotiate(offer ExtensionOffer) (ExtensionContext, string, bool)
}

// ClientExtension is offered by a Dialer.
type ClientExtension interface {
	Name() string
	Offer() string
	// Accept validates the server's response element.
	Accept(response ExtensionOffer) (ExtensionContext, error)
}

// negotiateExtensions goes through the offers in the client's order and
// keeps the first acceptable one per extension. Extensions claiming RSV
// bits already taken are skipped.
func negotiateExtensions(exts []Extension, offers []ExtensionOffer) ([]ExtensionContext, []string) {
	if len(exts) == 0 || len(offers) == 0 {
		return nil, nil
	}

	var (
		contexts  []ExtensionContext
		responses []string
		accepted  = make(map[string]bool, len(exts))
		claimed   byte
	)
	for _, offer := range offers {
		if accepted[offer.Name] {
			continue
		}
		for _, ext := range exts {
			if ext.Name() != offer.Name {
				continue
			}

			ctx, response, ok := ext.TryNegotiate(offer)
			if !ok {
				continue
			}
			bits := ctx.ReservedBits().bits()
			if bits&claimed != 0 {
				continue
			}

			claimed |= bits
			accepted[offer.Name] = true
			contexts = append(contexts, ctx)
			responses = append(responses, response)
			break
		}
	}

	return contexts, responses
}

package queue

import (
	"encoding/json"

	"github.com/busybox42/elemta-outbound/internal/delivery"
)

// command names, also used as the TimerRegistry stage label
// ("Command:<NAME>").
const (
	cmdGet     = "GET"
	cmdRelease = "RELEASE"
	cmdDefer   = "DEFER"
	cmdBounce  = "BOUNCE"
)

// frame is the single wire envelope every request and response is
// encoded as: Command names the operation, Body carries its
// command-specific payload, and Err carries a response-side failure
// message (empty on success).
type frame struct {
	Command string          `json:"command"`
	Body    json.RawMessage `json:"body,omitempty"`
	Err     string          `json:"err,omitempty"`
}

// getResponse is GET's reply body: either a Delivery + lock, or Empty
// when the queue currently holds nothing ready to send.
type getResponse struct {
	Empty    bool               `json:"empty"`
	Lock     string             `json:"lock"`
	Delivery *deliveryWire      `json:"delivery,omitempty"`
}

// deliveryWire is the JSON-safe projection of delivery.Delivery: the
// HeaderBlock's internal slice is exported through its Bytes/At
// accessors rather than directly, so headerWire carries plain
// name/value pairs instead.
type deliveryWire struct {
	ID            string            `json:"id"`
	Seq           int               `json:"seq"`
	From          string            `json:"from"`
	To            []string          `json:"to"`
	Domain        string            `json:"domain"`
	Headers       []headerWire      `json:"headers"`
	BodySize      int64             `json:"bodySize"`
	DeferredCount int               `json:"deferredCount"`
	Spam          *delivery.SpamStatus `json:"spam,omitempty"`
	DKIM          []dkimWire        `json:"dkim,omitempty"`
	FBL           string            `json:"fbl,omitempty"`
	MessageID     string            `json:"messageId"`
}

type headerWire struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type dkimWire struct {
	HashAlgo string         `json:"hashAlgo"`
	BodyHash string         `json:"bodyHash"`
	Keys     []dkimKeyWire  `json:"keys"`
}

type dkimKeyWire struct {
	Domain        string `json:"domain"`
	Selector      string `json:"selector"`
	PrivateKeyPEM string `json:"privateKeyPem"`
}

type releaseRequest struct {
	ID   string `json:"id"`
	Seq  int    `json:"seq"`
	Lock string `json:"lock"`
}

type deferRequest struct {
	ID   string        `json:"id"`
	Seq  int           `json:"seq"`
	Lock string        `json:"lock"`
	TTL  int64         `json:"ttlMs"`
}

type bounceRequest struct {
	ID         string       `json:"id"`
	Seq        int          `json:"seq"`
	From       string       `json:"from"`
	To         []string     `json:"to"`
	Headers    []headerWire `json:"headers"`
	ReturnPath string       `json:"returnPath"`
	Category   string       `json:"category"`
	Time       string       `json:"time"`
	Response   string       `json:"response"`
}

func toWire(d *delivery.Delivery) *deliveryWire {
	headers := make([]headerWire, 0, d.Headers.Len())
	for i := 0; i < d.Headers.Len(); i++ {
		h, _ := d.Headers.At(i)
		headers = append(headers, headerWire{Name: h.Name, Value: h.Value})
	}
	dkimReqs := make([]dkimWire, 0, len(d.DKIM))
	for _, req := range d.DKIM {
		keys := make([]dkimKeyWire, 0, len(req.Keys))
		for _, k := range req.Keys {
			keys = append(keys, dkimKeyWire{Domain: k.Domain, Selector: k.Selector, PrivateKeyPEM: string(k.PrivateKeyPEM)})
		}
		dkimReqs = append(dkimReqs, dkimWire{HashAlgo: req.HashAlgo, BodyHash: req.BodyHash, Keys: keys})
	}
	return &deliveryWire{
		ID: d.ID, Seq: d.Seq, From: d.From, To: d.To, Domain: d.Domain,
		Headers: headers, BodySize: d.BodySize, DeferredCount: d.DeferredCount,
		Spam: d.Spam, DKIM: dkimReqs, FBL: d.FBL, MessageID: d.MessageID,
	}
}

func fromWire(w *deliveryWire) *delivery.Delivery {
	headers := make([]delivery.Header, 0, len(w.Headers))
	for _, h := range w.Headers {
		headers = append(headers, delivery.Header{Name: h.Name, Value: h.Value})
	}
	dkimReqs := make([]delivery.DKIMRequest, 0, len(w.DKIM))
	for _, req := range w.DKIM {
		keys := make([]delivery.DKIMKeyConfig, 0, len(req.Keys))
		for _, k := range req.Keys {
			keys = append(keys, delivery.DKIMKeyConfig{Domain: k.Domain, Selector: k.Selector, PrivateKeyPEM: []byte(k.PrivateKeyPEM)})
		}
		dkimReqs = append(dkimReqs, delivery.DKIMRequest{HashAlgo: req.HashAlgo, BodyHash: req.BodyHash, Keys: keys})
	}
	return &delivery.Delivery{
		ID: w.ID, Seq: w.Seq, From: w.From, To: w.To, Domain: w.Domain,
		Headers: delivery.NewHeaderBlock(headers...), BodySize: w.BodySize,
		DeferredCount: w.DeferredCount, Spam: w.Spam, DKIM: dkimReqs,
		FBL: w.FBL, MessageID: w.MessageID,
	}
}

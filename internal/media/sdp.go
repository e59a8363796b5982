package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// ErrNoCommonCodec is returned when an offer has no PCMU audio.
var ErrNoCommonCodec = errors.New("no common audio codec")

// Offer is the part of a remote SDP offer the bridge needs.
type Offer struct {
	Addr    string
	Port    int
	Formats []string
	// DTMFPayloadType is the offered telephone-event type, 0 if absent
	DTMFPayloadType uint8
}

// ParseOffer extracts the first audio stream of an SDP body.
func ParseOffer(body []byte) (*Offer, error) {
	if len(body) == 0 {
		return nil, errors.New("no SDP body")
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("failed to parse SDP: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, errors.New("no audio media description in SDP")
	}

	o := &Offer{Port: audio.MediaName.Port.Value, Formats: audio.MediaName.Formats}
	switch {
	case audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil:
		o.Addr = audio.ConnectionInformation.Address.Address
	case desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil:
		o.Addr = desc.ConnectionInformation.Address.Address
	}
	if o.Addr == "" {
		return nil, errors.New("no connection address in SDP")
	}

	for _, attr := range audio.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, enc, ok := strings.Cut(attr.Value, " ")
		if !ok || !strings.HasPrefix(strings.ToLower(enc), "telephone-event/") {
			continue
		}
		if n, err := strconv.Atoi(pt); err == nil && n > 0 && n < 128 {
			o.DTMFPayloadType = uint8(n)
		}
	}
	return o, nil
}

// SupportsPCMU reports whether PCMU is among the offered formats.
func (o *Offer) SupportsPCMU() bool {
	for _, f := range o.Formats {
		if f == "0" {
			return true
		}
	}
	return false
}

// BuildAnswer creates the SDP answer for a PCMU stream on addr:port,
// echoing the offered telephone-event payload type when there is one.
func BuildAnswer(addr string, port int, dtmfPT uint8) ([]byte, error) {
	formats := []string{strconv.Itoa(int(CodecPCMU.PayloadType))}
	attrs := []sdp.Attribute{{Key: "rtpmap", Value: CodecPCMU.RTPMap()}}
	if dtmfPT != 0 {
		te := strconv.Itoa(int(dtmfPT))
		formats = append(formats, te)
		attrs = append(attrs,
			sdp.Attribute{Key: "rtpmap", Value: te + " telephone-event/8000"},
			sdp.Attribute{Key: "fmtp", Value: te + " 0-15"},
		)
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)

	sessionID := uint64(randomUint32())
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "agibridge",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "agibridge",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: port},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}
	return desc.Marshal()
}

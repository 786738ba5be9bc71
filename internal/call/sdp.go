package call

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/sebas/meshcall/internal/engine"
)

// Audio codecs kept in outgoing descriptions. Everything else is stripped
// from the m=audio section before the description leaves the device.
var allowedAudioCodecs = map[string]struct{}{
	"opus":            {},
	"pcmu":            {},
	"pcma":            {},
	"telephone-event": {},
	"red":             {},
}

const (
	opusBitrateNormal       = 32000
	opusBitrateLowBandwidth = 16000
)

// filterAudioCodecs rewrites the audio media sections of raw so that only
// the allowed codecs remain, and pins Opus to constant bitrate with a
// maxaveragebitrate matching the bandwidth mode. Non-audio sections pass
// through untouched.
func filterAudioCodecs(raw string, lowBandwidth bool) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return "", fmt.Errorf("parsing session description: %w", err)
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		filterMediaSection(media, lowBandwidth)
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("serializing session description: %w", err)
	}
	return string(out), nil
}

func filterMediaSection(media *sdp.MediaDescription, lowBandwidth bool) {
	// First pass over rtpmap lines decides which payload types survive.
	keep := map[string]bool{}
	opusPT := ""
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, codec, ok := parseRtpmap(attr.Value)
		if !ok {
			continue
		}
		if _, allowed := allowedAudioCodecs[codec]; allowed {
			keep[pt] = true
			if codec == "opus" {
				opusPT = pt
			}
		}
	}

	formats := media.MediaName.Formats[:0]
	for _, pt := range media.MediaName.Formats {
		if keep[pt] {
			formats = append(formats, pt)
		}
	}
	media.MediaName.Formats = formats

	bitrate := opusBitrateNormal
	if lowBandwidth {
		bitrate = opusBitrateLowBandwidth
	}

	attrs := media.Attributes[:0]
	for _, attr := range media.Attributes {
		switch attr.Key {
		case "rtpmap", "rtcp-fb":
			pt, _, ok := parseRtpmap(attr.Value)
			if ok && !keep[pt] {
				continue
			}
		case "fmtp":
			pt, params, ok := splitFmtp(attr.Value)
			if ok && !keep[pt] {
				continue
			}
			if ok && pt == opusPT {
				attr.Value = pt + " " + opusFmtp(params, bitrate)
			}
		}
		attrs = append(attrs, attr)
	}
	media.Attributes = attrs
}

// parseRtpmap splits "111 opus/48000/2" into the payload type and the
// lower-cased codec name. It also accepts bare "111" values as found in
// rtcp-fb attributes.
func parseRtpmap(value string) (pt, codec string, ok bool) {
	pt, rest, found := strings.Cut(value, " ")
	if pt == "" {
		return "", "", false
	}
	if _, err := strconv.Atoi(pt); err != nil {
		return "", "", false
	}
	if !found {
		return pt, "", true
	}
	codec, _, _ = strings.Cut(rest, "/")
	return pt, strings.ToLower(codec), true
}

func splitFmtp(value string) (pt, params string, ok bool) {
	pt, params, found := strings.Cut(value, " ")
	if !found {
		return "", "", false
	}
	if _, err := strconv.Atoi(pt); err != nil {
		return "", "", false
	}
	return pt, params, true
}

// injectCandidates embeds gathered candidates into a local description so a
// peer without trickle support receives everything in one message. Each
// candidate lands in the media section its m-line index points at.
func injectCandidates(raw string, candidates []engine.ICECandidate) (string, error) {
	if len(candidates) == 0 {
		return raw, nil
	}
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return "", fmt.Errorf("parsing session description: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return "", fmt.Errorf("description has no media sections")
	}
	for _, c := range candidates {
		idx := c.SDPMLineIndex
		if idx < 0 || idx >= len(desc.MediaDescriptions) {
			idx = 0
		}
		media := desc.MediaDescriptions[idx]
		media.Attributes = append(media.Attributes, sdp.Attribute{
			Key:   "candidate",
			Value: strings.TrimPrefix(c.SDP, "candidate:"),
		})
	}
	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("serializing session description: %w", err)
	}
	return string(out), nil
}

// opusFmtp rewrites the Opus fmtp parameter list to request constant
// bitrate at the given cap, preserving unrelated parameters.
func opusFmtp(params string, bitrate int) string {
	var out []string
	for _, p := range strings.Split(params, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key, _, _ := strings.Cut(p, "=")
		switch strings.ToLower(key) {
		case "cbr", "maxaveragebitrate":
			continue
		}
		out = append(out, p)
	}
	out = append(out, "cbr=1", "maxaveragebitrate="+strconv.Itoa(bitrate))
	return strings.Join(out, ";")
}

package call

import (
	"strings"
	"testing"

	"github.com/sebas/meshcall/internal/engine"
)

const mixedCodecOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 9 0 110\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=rtcp-fb:111 transport-cc\r\n" +
	"a=rtpmap:9 G722/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:110 telephone-event/48000\r\n"

func TestFilterAudioCodecsStripsDisallowed(t *testing.T) {
	out, err := filterAudioCodecs(mixedCodecOffer, false)
	if err != nil {
		t.Fatalf("filterAudioCodecs: %v", err)
	}
	if strings.Contains(out, "G722") {
		t.Error("G722 should be stripped")
	}
	if !strings.Contains(out, "opus/48000/2") {
		t.Error("opus should survive")
	}
	if !strings.Contains(out, "PCMU/8000") {
		t.Error("PCMU should survive")
	}
	if !strings.Contains(out, "telephone-event/48000") {
		t.Error("telephone-event should survive")
	}
	if !strings.Contains(out, "m=audio 9 UDP/TLS/RTP/SAVPF 111 0 110\r\n") {
		t.Errorf("format list not rewritten:\n%s", out)
	}
	// Filtered payload types lose their feedback attributes too.
	if strings.Contains(out, "rtpmap:9 ") {
		t.Error("rtpmap for a stripped codec should be gone")
	}
}

func TestFilterAudioCodecsPinsOpusBitrate(t *testing.T) {
	out, err := filterAudioCodecs(mixedCodecOffer, false)
	if err != nil {
		t.Fatalf("filterAudioCodecs: %v", err)
	}
	if !strings.Contains(out, "cbr=1") {
		t.Error("opus fmtp should request constant bitrate")
	}
	if !strings.Contains(out, "maxaveragebitrate=32000") {
		t.Errorf("normal mode should cap at 32000:\n%s", out)
	}
	if !strings.Contains(out, "minptime=10") {
		t.Error("unrelated fmtp parameters should be preserved")
	}

	low, err := filterAudioCodecs(mixedCodecOffer, true)
	if err != nil {
		t.Fatalf("filterAudioCodecs low bandwidth: %v", err)
	}
	if !strings.Contains(low, "maxaveragebitrate=16000") {
		t.Errorf("low bandwidth mode should cap at 16000:\n%s", low)
	}
}

func TestFilterAudioCodecsRejectsGarbage(t *testing.T) {
	if _, err := filterAudioCodecs("not an sdp", false); err == nil {
		t.Error("garbage input should fail")
	}
}

func TestInjectCandidates(t *testing.T) {
	out, err := injectCandidates(minimalOffer, []engine.ICECandidate{
		{SDP: "candidate:1 1 udp 41885439 198.51.100.7 3478 typ relay", SDPMLineIndex: 0},
		{SDP: "candidate:2 1 udp 41885439 198.51.100.8 3478 typ relay", SDPMLineIndex: 99},
	})
	if err != nil {
		t.Fatalf("injectCandidates: %v", err)
	}
	if !strings.Contains(out, "a=candidate:1 1 udp 41885439 198.51.100.7 3478 typ relay") {
		t.Errorf("first candidate missing:\n%s", out)
	}
	// An out-of-range m-line index falls back to the first section.
	if !strings.Contains(out, "a=candidate:2 1 udp") {
		t.Errorf("second candidate missing:\n%s", out)
	}
}

func TestInjectCandidatesEmptyIsIdentity(t *testing.T) {
	out, err := injectCandidates(minimalOffer, nil)
	if err != nil {
		t.Fatalf("injectCandidates: %v", err)
	}
	if out != minimalOffer {
		t.Error("no candidates should leave the description untouched")
	}
}

func TestInjectCandidatesRequiresMediaSection(t *testing.T) {
	bare := "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
	if _, err := injectCandidates(bare, []engine.ICECandidate{{SDP: "candidate:1"}}); err == nil {
		t.Error("description without media sections should fail")
	}
}

package imageproto

import (
	"strings"
	"testing"
)

func TestEncodeKittySinglePacket(t *testing.T) {
	out := EncodeKitty("QUFBQQ==", EncodeOptions{ImageID: 7, Cols: 10, Rows: 2})
	if !strings.HasPrefix(out, "\x1b_Ga=T,f=100,q=2,i=7,c=10,r=2;") {
		t.Errorf("unexpected control block: %q", out)
	}
	if !strings.HasSuffix(out, "\x1b\\") {
		t.Errorf("expected ST terminator, got %q", out)
	}
}

func TestEncodeKittyChunked(t *testing.T) {
	payload := strings.Repeat("A", maxKittySinglePacket*2+100)
	out := EncodeKitty(payload, EncodeOptions{ImageID: 1})
	if !strings.Contains(out, ",m=1;") {
		t.Errorf("expected first-chunk m=1 marker, got prefix %q", out[:60])
	}
	if !strings.Contains(out, "Gm=0;") {
		t.Errorf("expected final-chunk m=0 marker")
	}
	if strings.Count(out, "\x1b_G") < 3 {
		t.Errorf("expected at least 3 packets for a %d-byte payload", len(payload))
	}
}

func TestEncodeITerm2(t *testing.T) {
	out := EncodeITerm2("QUFBQQ==", Dimensions{Width: 10, Height: 10}, EncodeOptions{Cols: 5, Rows: 2, Name: "x.png"})
	if !strings.HasPrefix(out, "\x1b]1337;File=inline=1;width=5;height=2;name=") {
		t.Errorf("unexpected header: %q", out)
	}
	if !strings.HasSuffix(out, "\x07") {
		t.Errorf("expected BEL terminator, got %q", out)
	}
}

func TestEncodeFallsBackWhenUnsupported(t *testing.T) {
	out := Encode(Capability{Protocol: ProtocolNone}, []byte("x"), Dimensions{Width: 1, Height: 1, MIME: "image/png"}, EncodeOptions{Filename: "x.png"})
	if out != "[Image: x.png [image/png] 1x1]" {
		t.Errorf("unexpected fallback text: %q", out)
	}
}

func TestDegradeToTextWithoutProfile(t *testing.T) {
	if DegradeToText([3]uint8{255, 0, 0}, [3]uint8{0, 0, 255}, false) != "[image]" {
		t.Error("expected plain fallback when no color profile available")
	}
}

func TestDegradeToTextWithProfile(t *testing.T) {
	out := DegradeToText([3]uint8{255, 0, 0}, [3]uint8{0, 0, 255}, true)
	if !strings.Contains(out, "\x1b[38;2;") {
		t.Errorf("expected truecolor escape in degraded swatch, got %q", out)
	}
}

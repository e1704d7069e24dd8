package imageproto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// maxKittySinglePacket is the payload length threshold above which Kitty
// graphics must be chunked across multiple control blocks.
const maxKittySinglePacket = 4096

// EncodeOptions controls an inline image encode.
type EncodeOptions struct {
	Cols, Rows int
	ImageID    uint32 // 0 means "allocate one"
	Name       string
	Filename   string
	MIME       string
}

// Encode renders rawImageBytes for the detected Capability, returning the
// bytes to write to the terminal (or the degraded fallback line).
func Encode(cap Capability, rawImageBytes []byte, dims Dimensions, opts EncodeOptions) string {
	b64 := base64.StdEncoding.EncodeToString(rawImageBytes)
	switch cap.Protocol {
	case ProtocolKitty:
		return EncodeKitty(b64, opts)
	case ProtocolITerm2:
		return EncodeITerm2(b64, dims, opts)
	default:
		name := opts.Filename
		if name == "" {
			name = opts.Name
		}
		return FallbackText(name, dims.MIME, dims.Width, dims.Height)
	}
}

// EncodeKitty builds the Kitty graphics protocol control sequence(s) for an
// already-base64-encoded payload, chunking into ESC_G...ESC\ packets when
// the payload exceeds maxKittySinglePacket.
func EncodeKitty(b64Payload string, opts EncodeOptions) string {
	id := opts.ImageID
	if id == 0 {
		id = randomImageID()
	}

	baseParams := fmt.Sprintf("a=T,f=100,q=2,i=%d", id)
	if opts.Cols > 0 {
		baseParams += fmt.Sprintf(",c=%d", opts.Cols)
	}
	if opts.Rows > 0 {
		baseParams += fmt.Sprintf(",r=%d", opts.Rows)
	}

	if len(b64Payload) <= maxKittySinglePacket {
		return fmt.Sprintf("\x1b_G%s;%s\x1b\\", baseParams, b64Payload)
	}

	var sb strings.Builder
	chunks := chunkString(b64Payload, maxKittySinglePacket)
	for i, chunk := range chunks {
		switch {
		case i == 0:
			sb.WriteString(fmt.Sprintf("\x1b_G%s,m=1;%s\x1b\\", baseParams, chunk))
		case i == len(chunks)-1:
			sb.WriteString(fmt.Sprintf("\x1b_Gm=0;%s\x1b\\", chunk))
		default:
			sb.WriteString(fmt.Sprintf("\x1b_Gm=1;%s\x1b\\", chunk))
		}
	}
	return sb.String()
}

// EncodeITerm2 builds the iTerm2 inline-image OSC 1337 sequence.
func EncodeITerm2(b64Payload string, dims Dimensions, opts EncodeOptions) string {
	var params []string
	params = append(params, "inline=1")
	if opts.Cols > 0 {
		params = append(params, fmt.Sprintf("width=%d", opts.Cols))
	}
	if opts.Rows > 0 {
		params = append(params, fmt.Sprintf("height=%d", opts.Rows))
	}
	if opts.Name != "" {
		params = append(params, fmt.Sprintf("name=%s", base64.StdEncoding.EncodeToString([]byte(opts.Name))))
	}
	params = append(params, "preserveAspectRatio=0")
	return fmt.Sprintf("\x1b]1337;File=%s:%s\x07", strings.Join(params, ";"), b64Payload)
}

func chunkString(s string, size int) []string {
	var chunks []string
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	chunks = append(chunks, s)
	return chunks
}

func randomImageID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	id := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	if id == 0 {
		id = 1
	}
	return id
}

// DegradeToText renders a coarse truecolor-fallback text glyph line when an
// image can't be displayed inline but the terminal's detected profile
// should still influence how surrounding UI chrome is colored. blend
// averages the image's two dominant colors for a single representative
// swatch, exercising go-colorful's blend/distance helpers rather than
// fabricating arithmetic of our own.
func DegradeToText(c1, c2 [3]uint8, profile bool) string {
	a, _ := colorful.MakeColor(rgbColor{c1})
	b, _ := colorful.MakeColor(rgbColor{c2})
	mid := a.BlendRgb(b, 0.5)
	hex := mid.Hex()
	if !profile {
		return "[image]"
	}
	return fmt.Sprintf("\x1b[38;2;%d;%d;%dm■\x1b[0m (%s)", uint8(mid.R*255), uint8(mid.G*255), uint8(mid.B*255), hex)
}

type rgbColor struct{ c [3]uint8 }

func (r rgbColor) RGBA() (uint32, uint32, uint32, uint32) {
	return uint32(r.c[0]) * 257, uint32(r.c[1]) * 257, uint32(r.c[2]) * 257, 0xffff
}

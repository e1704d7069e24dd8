package imageproto

import (
	"encoding/binary"
	"testing"
)

func buildPNG(w, h uint32) []byte {
	data := make([]byte, 24)
	copy(data[:8], pngMagic)
	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	return data
}

func TestDecodePNGDimensions(t *testing.T) {
	d, err := DecodeDimensions(buildPNG(100, 50))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Width != 100 || d.Height != 50 || d.MIME != "image/png" {
		t.Errorf("unexpected dims: %+v", d)
	}
}

func buildGIF(w, h uint16) []byte {
	data := make([]byte, 10)
	copy(data[:6], "GIF89a")
	binary.LittleEndian.PutUint16(data[6:8], w)
	binary.LittleEndian.PutUint16(data[8:10], h)
	return data
}

func TestDecodeGIFDimensions(t *testing.T) {
	d, err := DecodeDimensions(buildGIF(64, 32))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Width != 64 || d.Height != 32 || d.MIME != "image/gif" {
		t.Errorf("unexpected dims: %+v", d)
	}
}

func buildJPEG(w, h uint16) []byte {
	data := []byte{0xFF, 0xD8, 0xFF}
	sof := []byte{0xFF, 0xC0, 0x00, 0x11, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	binary.BigEndian.PutUint16(sof[5:7], h)
	binary.BigEndian.PutUint16(sof[7:9], w)
	data = append(data, sof[1:]...)
	return data
}

func TestDecodeJPEGDimensions(t *testing.T) {
	d, err := DecodeDimensions(buildJPEG(200, 150))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Width != 200 || d.Height != 150 || d.MIME != "image/jpeg" {
		t.Errorf("unexpected dims: %+v", d)
	}
}

func TestDecodeWebPVP8X(t *testing.T) {
	data := make([]byte, 30)
	copy(data[0:4], "RIFF")
	copy(data[8:12], "WEBP")
	copy(data[12:16], "VP8X")
	// width-1 and height-1 as 24-bit little-endian at offsets 24 and 27.
	w, h := 99, 49
	data[24] = byte(w & 0xFF)
	data[25] = byte((w >> 8) & 0xFF)
	data[26] = byte((w >> 16) & 0xFF)
	data[27] = byte(h & 0xFF)
	data[28] = byte((h >> 8) & 0xFF)
	data[29] = byte((h >> 16) & 0xFF)
	d, err := DecodeDimensions(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Width != 100 || d.Height != 50 {
		t.Errorf("unexpected dims: %+v", d)
	}
}

func TestRowsCalculation(t *testing.T) {
	rows := Rows(100, 100, 10, 9, 18)
	if rows < 1 {
		t.Errorf("expected at least 1 row, got %d", rows)
	}
}

func TestRowsMinimumOne(t *testing.T) {
	if Rows(1, 1000, 1, 9, 18) != 1 {
		t.Error("expected minimum row count of 1")
	}
}

func TestParseCellSizeReply(t *testing.T) {
	h, w, ok := ParseCellSizeReply("\x1b[6;18;9t")
	if !ok || h != 18 || w != 9 {
		t.Errorf("expected h=18 w=9 ok=true, got h=%d w=%d ok=%v", h, w, ok)
	}
}

func TestParseCellSizeReplyNoMatch(t *testing.T) {
	if _, _, ok := ParseCellSizeReply("garbage"); ok {
		t.Error("expected no match on garbage input")
	}
}

package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/amanullahtanweer/revstream/internal/streaming"
)

// Format describes PCM audio found in a WAV header.
type Format struct {
	AudioFormat   uint16 // 1 for PCM
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	// DataSize is the length of the data chunk. Streaming writers leave it at 0 or
	// 0xFFFFFFFF when the length is not known up front.
	DataSize uint32
}

// sizeKnown reports whether DataSize bounds the PCM.
func (f Format) sizeKnown() bool {
	return f.DataSize != 0 && f.DataSize != 0xFFFFFFFF
}

// RawParameters maps the format onto the service's raw content parameters.
func (f Format) RawParameters() (*streaming.RawParameters, error) {
	if f.AudioFormat != 1 {
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", f.AudioFormat)
	}
	var sample string
	switch f.BitsPerSample {
	case 8:
		sample = "U8"
	case 16:
		sample = "S16LE"
	case 24:
		sample = "S24LE"
	case 32:
		sample = "S32LE"
	default:
		return nil, fmt.Errorf("unsupported bit depth: %d", f.BitsPerSample)
	}
	return &streaming.RawParameters{
		Interleaved: true,
		Rate:        int(f.SampleRate),
		Format:      sample,
		Channels:    int(f.Channels),
	}, nil
}

// OpenFile opens a byte source for the stream reader. A file that is still being
// written is followed: reads at its current end return io.EOF until more data lands.
func OpenFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio source: %w", err)
	}
	return f, nil
}

// OpenWAV opens a WAV file and positions it at the start of the PCM data.
func OpenWAV(path string) (io.ReadCloser, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("failed to open audio source: %w", err)
	}
	br := bufio.NewReader(f)
	format, err := ReadWAVHeader(br)
	if err != nil {
		f.Close()
		return nil, Format{}, err
	}
	var pcm io.Reader = br
	if format.sizeKnown() {
		// Trailing chunks such as LIST or id3 are not audio.
		pcm = io.LimitReader(br, int64(format.DataSize))
	}
	return readCloser{Reader: pcm, Closer: f}, format, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// ReadWAVHeader consumes the RIFF header up to and including the data chunk header,
// leaving r at the first PCM byte.
func ReadWAVHeader(r io.Reader) (Format, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return Format{}, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Format{}, fmt.Errorf("not a valid WAV file")
	}

	var format Format
	var haveFormat bool
	chunk := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, chunk); err != nil {
			return Format{}, fmt.Errorf("failed to find data chunk: %w", err)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			body := make([]byte, 16)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			format = Format{
				AudioFormat:   binary.LittleEndian.Uint16(body[0:2]),
				Channels:      binary.LittleEndian.Uint16(body[2:4]),
				SampleRate:    binary.LittleEndian.Uint32(body[4:8]),
				BitsPerSample: binary.LittleEndian.Uint16(body[14:16]),
			}
			haveFormat = true
			// Extension bytes and padding are not needed.
			if rest := size - 16 + size%2; rest > 0 {
				if _, err := io.CopyN(io.Discard, r, rest); err != nil {
					return Format{}, fmt.Errorf("failed to skip fmt extension: %w", err)
				}
			}
		case "data":
			if !haveFormat {
				return Format{}, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			format.DataSize = uint32(size)
			return format, nil
		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return Format{}, fmt.Errorf("failed to skip %q chunk: %w", id, err)
			}
		}
	}
}

// EncodeWAV wraps little-endian PCM in a canonical 44 byte WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / 8
	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

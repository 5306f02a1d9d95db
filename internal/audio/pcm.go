package audio

import "encoding/binary"

// Wire format constants: raw little-endian int16 PCM, 16 kHz mono, one
// 256-sample packet per datagram.
const (
	SampleRate       = 16000
	SamplesPerPacket = 256
	BytesPerSample   = 2
	PacketBytes      = SamplesPerPacket * BytesPerSample
)

// DecodePCM converts little-endian int16 bytes to samples. Returns nil
// for empty or odd-length input.
func DecodePCM(data []byte) []int16 {
	if len(data) == 0 || len(data)%2 != 0 {
		return nil
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// EncodePCM converts samples to little-endian int16 bytes.
func EncodePCM(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// MixMean returns the arithmetic mean of the source frames, element by
// element, clipped to int16. All frames must share the same length.
// Division truncates toward zero.
func MixMean(frames [][]int16) []int16 {
	if len(frames) == 0 {
		return nil
	}
	n := len(frames[0])
	mixed := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int32
		for _, f := range frames {
			sum += int32(f[i])
		}
		v := sum / int32(len(frames))
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		mixed[i] = int16(v)
	}
	return mixed
}

// truncateToShortest trims every frame to the length of the shortest so
// they share a sample count.
func truncateToShortest(frames [][]int16) [][]int16 {
	if len(frames) == 0 {
		return frames
	}
	shortest := len(frames[0])
	for _, f := range frames[1:] {
		if len(f) < shortest {
			shortest = len(f)
		}
	}
	for i, f := range frames {
		frames[i] = f[:shortest]
	}
	return frames
}

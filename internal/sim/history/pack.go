package history

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Pack encodes b in the layout described in the package comment.
func Pack(b *Buffer) ([]byte, error) {
	header := make([][2]int, 0, numFields)
	total := 0
	for i, f := range b.fields {
		if len(f) == 0 {
			continue
		}
		header = append(header, [2]int{i, len(f)})
		total += len(f)
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 4+len(hb)+16*total)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(hb)))
	copy(out[4:], hb)
	times := out[4+len(hb):]
	values := times[8*total:]
	k := 0
	for _, h := range header {
		for _, s := range b.fields[h[0]] {
			binary.LittleEndian.PutUint64(times[8*k:], math.Float64bits(s.Time))
			binary.LittleEndian.PutUint64(values[8*k:], math.Float64bits(s.Value))
			k++
		}
	}
	return out, nil
}

// Unpack decodes the output of Pack.
func Unpack(data []byte) (*Buffer, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("history: short buffer (%d bytes)", len(data))
	}
	n := int(binary.LittleEndian.Uint32(data[0:4]))
	if 4+n > len(data) {
		return nil, fmt.Errorf("history: header length %d exceeds buffer", n)
	}
	var header [][2]int
	dec := json.NewDecoder(bytes.NewReader(data[4 : 4+n]))
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("history: header: %w", err)
	}
	body := data[4+n:]
	total := 0
	for _, h := range header {
		if h[0] < 0 || h[0] >= numFields || h[1] < 0 || h[1] > len(body)/16-total {
			return nil, fmt.Errorf("history: bad header entry %v", h)
		}
		total += h[1]
	}
	if len(body) != 16*total {
		return nil, fmt.Errorf("history: body %d bytes, want %d", len(body), 16*total)
	}
	times := body[:8*total]
	values := body[8*total:]

	b := &Buffer{}
	k := 0
	for _, h := range header {
		samples := make([]Sample, h[1])
		for j := range samples {
			samples[j] = Sample{
				Time:  math.Float64frombits(binary.LittleEndian.Uint64(times[8*k:])),
				Value: math.Float64frombits(binary.LittleEndian.Uint64(values[8*k:])),
			}
			k++
		}
		b.fields[h[0]] = samples
	}
	return b, nil
}

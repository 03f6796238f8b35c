package audio

// Resample converts 16-bit little-endian mono PCM from srcRate to dstRate
// using linear interpolation. Round-tripping through an intermediate rate and
// back reproduces the input within ±1 least-significant bit per sample. When
// srcRate equals dstRate (or either rate is invalid) the input is returned
// unchanged.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < BytesPerSample {
		return pcm
	}

	srcSamples := len(pcm) / BytesPerSample
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*BytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sampleAt(pcm, idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sampleAt(pcm, idx+1)
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// sampleAt reads the little-endian int16 sample at index i.
func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

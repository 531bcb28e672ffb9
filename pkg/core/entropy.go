package core

import (
	"math"
)

// Entropy weighting constants for low-entropy spectra.
const (
	entropyWeightCutoff = 3.0
	entropyWeightBase   = 0.25
	entropyWeightSlope  = 0.25
)

// Xlog2x returns x*log2(x), defined as 0 for x <= 0.
func Xlog2x(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return x * math.Log2(x)
}

// SpectralEntropy returns the Shannon entropy (nats) of the normalized
// intensity distribution of peaks.
func SpectralEntropy(peaks []Peak) float64 {
	total := TotalIntensity(peaks)
	if total <= 0 {
		return 0
	}
	s := 0.0
	for _, p := range peaks {
		if p.Intensity <= 0 {
			continue
		}
		q := p.Intensity / total
		s -= q * math.Log(q)
	}
	return s
}

// WeightByEntropy returns a normalized copy of peaks with the entropy
// weighting applied: spectra with entropy below 3 nats have their
// intensities raised to 0.25 + 0.25*S and renormalized, which flattens
// spectra dominated by a few peaks.
func WeightByEntropy(peaks []Peak) []Peak {
	out := Normalize(peaks)
	s := SpectralEntropy(out)
	if s >= entropyWeightCutoff {
		return out
	}
	w := entropyWeightBase + entropyWeightSlope*s
	for i := range out {
		out[i].Intensity = math.Pow(out[i].Intensity, w)
	}
	return Normalize(out)
}

// CombinePeaks merges two m/z-sorted spectra, summing intensities of peaks
// closer than mzTol. The result is sorted by m/z and not normalized.
func CombinePeaks(a, b []Peak, mzTol float64) []Peak {
	out := make([]Peak, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		d := b[j].MZ - a[i].MZ
		switch {
		case math.Abs(d) <= mzTol:
			out = append(out, Peak{MZ: a[i].MZ, Intensity: a[i].Intensity + b[j].Intensity})
			i++
			j++
		case d < 0:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// EntropySimilarity computes the unweighted spectral entropy similarity of
// two spectra: 1 - (2*H(AB) - H(A) - H(B)) / ln(4), where AB is the merged
// spectrum of both normalized inputs at half weight. The score is in [0, 1].
func EntropySimilarity(a, b []Peak, mzTol float64) float64 {
	na, nb := Normalize(a), Normalize(b)
	if TotalIntensity(na) <= 0 || TotalIntensity(nb) <= 0 {
		return 0
	}
	if !PeaksSorted(na) {
		SortPeaks(na)
	}
	if !PeaksSorted(nb) {
		SortPeaks(nb)
	}

	half := func(ps []Peak) []Peak {
		out := make([]Peak, len(ps))
		for i, p := range ps {
			out[i] = Peak{MZ: p.MZ, Intensity: p.Intensity / 2}
		}
		return out
	}
	ab := CombinePeaks(half(na), half(nb), mzTol)

	sim := 1 - (2*SpectralEntropy(ab)-SpectralEntropy(na)-SpectralEntropy(nb))/math.Log(4)
	return clampUnit(sim)
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

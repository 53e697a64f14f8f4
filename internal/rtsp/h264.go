package rtsp

import (
	"errors"
	"fmt"
)

const nalTypeSPS = 7

var (
	errShortSPS = errors.New("sps truncated")
	errSPSCrop  = errors.New("sps cropping exceeds coded size")
)

// SPS holds the fields of an H.264 sequence parameter set we report.
type SPS struct {
	Profile   int
	Level     int
	Width     int
	Height    int
	FrameRate float64
}

// ParseSPS decodes a sequence parameter set NAL unit, header byte included.
func ParseSPS(nal []byte) (SPS, error) {
	if len(nal) < 4 || nal[0]&0x1f != nalTypeSPS {
		return SPS{}, fmt.Errorf("not an SPS NAL unit")
	}

	r := &bitReader{data: unescapeRBSP(nal[1:])}
	var s SPS

	s.Profile = int(r.bits(8))
	r.bits(8) // constraint flags
	s.Level = int(r.bits(8))
	r.ue() // seq_parameter_set_id

	chromaFormat := uint32(1)
	separatePlanes := false
	switch s.Profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		chromaFormat = r.ue()
		if chromaFormat == 3 {
			separatePlanes = r.bit() == 1
		}
		r.ue() // bit_depth_luma_minus8
		r.ue() // bit_depth_chroma_minus8
		r.bit()
		if r.bit() == 1 {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if r.bit() == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					r.skipScalingList(size)
				}
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	switch r.ue() {
	case 0:
		r.ue()
	case 1:
		r.bit()
		r.se()
		r.se()
		cycle := r.ue()
		for i := uint32(0); i < cycle && r.err == nil; i++ {
			r.se()
		}
	}
	r.ue() // max_num_ref_frames
	r.bit()

	widthMbs := uint64(r.ue()) + 1
	heightMapUnits := uint64(r.ue()) + 1
	frameMbsOnly := uint64(r.bit())
	if frameMbsOnly == 0 {
		r.bit()
	}
	r.bit() // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint64
	if r.bit() == 1 {
		cropLeft, cropRight, cropTop, cropBottom = uint64(r.ue()), uint64(r.ue()), uint64(r.ue()), uint64(r.ue())
	}

	cropX, cropY := uint64(1), 2-frameMbsOnly
	if chromaFormat != 0 && !separatePlanes {
		subW, subH := uint64(2), uint64(2)
		switch chromaFormat {
		case 2:
			subH = 1
		case 3:
			subW, subH = 1, 1
		}
		cropX = subW
		cropY = subH * (2 - frameMbsOnly)
	}

	codedW := widthMbs * 16
	codedH := (2 - frameMbsOnly) * heightMapUnits * 16
	cropW := cropX * (cropLeft + cropRight)
	cropH := cropY * (cropTop + cropBottom)

	if r.bit() == 1 {
		s.FrameRate = r.vuiFrameRate()
	}

	if r.err != nil {
		return SPS{}, r.err
	}
	if cropW >= codedW || cropH >= codedH {
		return SPS{}, errSPSCrop
	}
	s.Width = int(codedW - cropW)
	s.Height = int(codedH - cropH)
	return s, nil
}

func unescapeRBSP(b []byte) []byte {
	out := make([]byte, 0, len(b))
	zeros := 0
	for _, c := range b {
		if zeros >= 2 && c == 0x03 {
			zeros = 0
			continue
		}
		out = append(out, c)
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

type bitReader struct {
	data []byte
	pos  int
	err  error
}

func (r *bitReader) bit() uint32 {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.data)*8 {
		r.err = errShortSPS
		return 0
	}
	b := r.data[r.pos/8] >> (7 - uint(r.pos%8)) & 1
	r.pos++
	return uint32(b)
}

func (r *bitReader) bits(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		v = v<<1 | r.bit()
	}
	return v
}

// ue reads an unsigned Exp-Golomb code.
func (r *bitReader) ue() uint32 {
	zeros := 0
	for r.bit() == 0 {
		if r.err != nil || zeros > 31 {
			r.err = errShortSPS
			return 0
		}
		zeros++
	}
	return (1<<zeros - 1) + r.bits(zeros)
}

// se reads a signed Exp-Golomb code.
func (r *bitReader) se() int32 {
	v := r.ue()
	if v%2 == 1 {
		return int32((v + 1) / 2)
	}
	return -int32(v / 2)
}

func (r *bitReader) skipScalingList(size int) {
	last, next := int32(8), int32(8)
	for j := 0; j < size; j++ {
		if next != 0 {
			next = (last + r.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

func (r *bitReader) vuiFrameRate() float64 {
	if r.bit() == 1 { // aspect_ratio_info_present_flag
		if r.bits(8) == 255 {
			r.bits(16)
			r.bits(16)
		}
	}
	if r.bit() == 1 { // overscan_info_present_flag
		r.bit()
	}
	if r.bit() == 1 { // video_signal_type_present_flag
		r.bits(4)
		if r.bit() == 1 {
			r.bits(24)
		}
	}
	if r.bit() == 1 { // chroma_loc_info_present_flag
		r.ue()
		r.ue()
	}
	if r.bit() == 0 || r.err != nil { // timing_info_present_flag
		return 0
	}
	unitsInTick := r.bits(32)
	timeScale := r.bits(32)
	if unitsInTick == 0 || r.err != nil {
		return 0
	}
	return float64(timeScale) / float64(2*unitsInTick)
}

package rtsptest

import (
	"encoding/base64"
	"fmt"
)

// H264SDP returns a session description for an H.264 track whose SPS encodes
// the given geometry and frame rate.
func H264SDP(width, height, fps, kbps int) string {
	sps := base64.StdEncoding.EncodeToString(EncodeSPS(width, height, fps))
	return fmt.Sprintf("v=0\r\n"+
		"o=- 0 0 IN IP4 127.0.0.1\r\n"+
		"s=Media Presentation\r\n"+
		"t=0 0\r\n"+
		"m=video 0 RTP/AVP 96\r\n"+
		"b=AS:%d\r\n"+
		"a=rtpmap:96 H264/90000\r\n"+
		"a=fmtp:96 packetization-mode=1;profile-level-id=420028;sprop-parameter-sets=%s,aM48gA==\r\n"+
		"a=control:trackID=1\r\n", kbps, sps)
}

// AudioOnlySDP returns a session description without a video track.
func AudioOnlySDP() string {
	return "v=0\r\n" +
		"s=Audio\r\n" +
		"m=audio 0 RTP/AVP 0\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n"
}

// EncodeSPS builds a baseline-profile SPS NAL unit with VUI timing info.
func EncodeSPS(width, height, fps int) []byte {
	widthMbs := (width + 15) / 16
	heightMbs := (height + 15) / 16
	cropRight := uint32(widthMbs*16-width) / 2
	cropBottom := uint32(heightMbs*16-height) / 2
	return EncodeCroppedSPS(widthMbs, heightMbs, cropRight, cropBottom, fps)
}

// EncodeCroppedSPS builds a baseline-profile SPS from macroblock counts and
// raw frame cropping offsets, which are not checked against the coded size.
func EncodeCroppedSPS(widthMbs, heightMbs int, cropRight, cropBottom uint32, fps int) []byte {
	var w bitWriter
	w.bits(66, 8) // profile_idc
	w.bits(0, 8)
	w.bits(40, 8) // level_idc
	w.ue(0)       // seq_parameter_set_id
	w.ue(0)       // log2_max_frame_num_minus4
	w.ue(0)       // pic_order_cnt_type
	w.ue(0)       // log2_max_pic_order_cnt_lsb_minus4
	w.ue(1)       // max_num_ref_frames
	w.bits(0, 1)
	w.ue(uint32(widthMbs - 1))
	w.ue(uint32(heightMbs - 1))
	w.bits(1, 1) // frame_mbs_only_flag
	w.bits(1, 1) // direct_8x8_inference_flag
	if cropRight > 0 || cropBottom > 0 {
		w.bits(1, 1)
		w.ue(0)
		w.ue(cropRight)
		w.ue(0)
		w.ue(cropBottom)
	} else {
		w.bits(0, 1)
	}
	w.bits(1, 1) // vui_parameters_present_flag
	w.bits(0, 4) // aspect, overscan, signal type, chroma loc
	w.bits(1, 1) // timing_info_present_flag
	w.bits(1000, 32)
	w.bits(uint32(fps*2000), 32)
	w.bits(1, 1)
	w.bits(1, 1) // rbsp stop bit
	w.align()

	return append([]byte{0x67}, escapeRBSP(w.buf)...)
}

type bitWriter struct {
	buf []byte
	n   int
}

func (w *bitWriter) bits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.n%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 1 << (7 - uint(w.n%8))
		}
		w.n++
	}
}

func (w *bitWriter) ue(v uint32) {
	v++
	size := 0
	for t := v; t > 1; t >>= 1 {
		size++
	}
	w.bits(0, size)
	w.bits(v, size+1)
}

func (w *bitWriter) align() {
	for w.n%8 != 0 {
		w.bits(0, 1)
	}
}

func escapeRBSP(b []byte) []byte {
	out := make([]byte, 0, len(b)+4)
	zeros := 0
	for _, c := range b {
		if zeros >= 2 && c <= 3 {
			out = append(out, 0x03)
			zeros = 0
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

package media

import "errors"

var errSPSTruncated = errors.New("media: truncated SPS")

// ParseSPSDimensions reads coded width and height from an H264 sequence
// parameter set NALU (including the NAL header byte). Only the fields up to
// the frame cropping offsets are parsed.
func ParseSPSDimensions(nalu []byte) (width, height int, err error) {
	if len(nalu) < 4 {
		return 0, 0, errSPSTruncated
	}
	if nalu[0]&0x1f != 7 {
		return 0, 0, errors.New("media: not an SPS NALU")
	}

	r := newBitReader(stripEmulationPrevention(nalu[1:]))

	profileIDC, err := r.bits(8)
	if err != nil {
		return 0, 0, err
	}
	if _, err = r.bits(8); err != nil { // constraint flags + reserved
		return 0, 0, err
	}
	if _, err = r.bits(8); err != nil { // level_idc
		return 0, 0, err
	}
	if _, err = r.ue(); err != nil { // seq_parameter_set_id
		return 0, 0, err
	}

	chromaFormatIDC := uint32(1)
	switch profileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		chromaFormatIDC, err = r.ue()
		if err != nil {
			return 0, 0, err
		}
		if chromaFormatIDC == 3 {
			if _, err = r.bits(1); err != nil { // separate_colour_plane_flag
				return 0, 0, err
			}
		}
		if _, err = r.ue(); err != nil { // bit_depth_luma_minus8
			return 0, 0, err
		}
		if _, err = r.ue(); err != nil { // bit_depth_chroma_minus8
			return 0, 0, err
		}
		if _, err = r.bits(1); err != nil { // qpprime_y_zero_transform_bypass_flag
			return 0, 0, err
		}
		present, err := r.bits(1) // seq_scaling_matrix_present_flag
		if err != nil {
			return 0, 0, err
		}
		if present == 1 {
			lists := 8
			if chromaFormatIDC == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				flag, err := r.bits(1)
				if err != nil {
					return 0, 0, err
				}
				if flag == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := r.skipScalingList(size); err != nil {
						return 0, 0, err
					}
				}
			}
		}
	}

	if _, err = r.ue(); err != nil { // log2_max_frame_num_minus4
		return 0, 0, err
	}
	picOrderCntType, err := r.ue()
	if err != nil {
		return 0, 0, err
	}
	switch picOrderCntType {
	case 0:
		if _, err = r.ue(); err != nil { // log2_max_pic_order_cnt_lsb_minus4
			return 0, 0, err
		}
	case 1:
		if _, err = r.bits(1); err != nil { // delta_pic_order_always_zero_flag
			return 0, 0, err
		}
		if _, err = r.se(); err != nil { // offset_for_non_ref_pic
			return 0, 0, err
		}
		if _, err = r.se(); err != nil { // offset_for_top_to_bottom_field
			return 0, 0, err
		}
		n, err := r.ue() // num_ref_frames_in_pic_order_cnt_cycle
		if err != nil {
			return 0, 0, err
		}
		for i := uint32(0); i < n; i++ {
			if _, err = r.se(); err != nil {
				return 0, 0, err
			}
		}
	}

	if _, err = r.ue(); err != nil { // max_num_ref_frames
		return 0, 0, err
	}
	if _, err = r.bits(1); err != nil { // gaps_in_frame_num_value_allowed_flag
		return 0, 0, err
	}

	picWidthInMbs, err := r.ue()
	if err != nil {
		return 0, 0, err
	}
	picHeightInMapUnits, err := r.ue()
	if err != nil {
		return 0, 0, err
	}
	frameMbsOnly, err := r.bits(1)
	if err != nil {
		return 0, 0, err
	}
	if frameMbsOnly == 0 {
		if _, err = r.bits(1); err != nil { // mb_adaptive_frame_field_flag
			return 0, 0, err
		}
	}
	if _, err = r.bits(1); err != nil { // direct_8x8_inference_flag
		return 0, 0, err
	}

	width = int(picWidthInMbs+1) * 16
	height = int(picHeightInMapUnits+1) * 16 * int(2-frameMbsOnly)

	cropping, err := r.bits(1)
	if err != nil {
		return 0, 0, err
	}
	if cropping == 1 {
		left, err := r.ue()
		if err != nil {
			return 0, 0, err
		}
		right, err := r.ue()
		if err != nil {
			return 0, 0, err
		}
		top, err := r.ue()
		if err != nil {
			return 0, 0, err
		}
		bottom, err := r.ue()
		if err != nil {
			return 0, 0, err
		}

		cropX, cropY := 1, 1
		switch chromaFormatIDC {
		case 0:
			cropX, cropY = 1, 2-int(frameMbsOnly)
		case 1:
			cropX, cropY = 2, 2*(2-int(frameMbsOnly))
		case 2:
			cropX, cropY = 2, 2-int(frameMbsOnly)
		case 3:
			cropX, cropY = 1, 2-int(frameMbsOnly)
		}
		width -= cropX * int(left+right)
		height -= cropY * int(top+bottom)
	}

	return width, height, nil
}

// stripEmulationPrevention removes 0x03 emulation-prevention bytes that
// follow two zero bytes in the RBSP.
func stripEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

type bitReader struct {
	data []byte
	pos  int // bit position
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (r *bitReader) bits(n int) (uint32, error) {
	var v uint32
	for i := 0; i < n; i++ {
		byteIdx := r.pos >> 3
		if byteIdx >= len(r.data) {
			return 0, errSPSTruncated
		}
		bit := (r.data[byteIdx] >> (7 - uint(r.pos&7))) & 1
		v = v<<1 | uint32(bit)
		r.pos++
	}
	return v, nil
}

// ue reads an unsigned exp-Golomb code.
func (r *bitReader) ue() (uint32, error) {
	zeros := 0
	for {
		b, err := r.bits(1)
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errSPSTruncated
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	rest, err := r.bits(zeros)
	if err != nil {
		return 0, err
	}
	return 1<<uint(zeros) - 1 + rest, nil
}

// se reads a signed exp-Golomb code.
func (r *bitReader) se() (int32, error) {
	u, err := r.ue()
	if err != nil {
		return 0, err
	}
	if u&1 == 1 {
		return int32(u+1) / 2, nil
	}
	return -int32(u) / 2, nil
}

func (r *bitReader) skipScalingList(size int) error {
	lastScale, nextScale := int32(8), int32(8)
	for i := 0; i < size; i++ {
		if nextScale != 0 {
			delta, err := r.se()
			if err != nil {
				return err
			}
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

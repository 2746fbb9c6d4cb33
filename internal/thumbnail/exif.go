package thumbnail

import "bytes"

var exifHeader = []byte("Exif\x00\x00")

// exifSegment возвращает первый сегмент APP1 с Exif (вместе с маркером) из JPEG-потока или nil.
func exifSegment(data []byte) []byte {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil
	}
	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return nil
		}
		marker := data[i+1]
		switch {
		case marker == 0xFF:
			i++
			continue
		case marker == 0xDA || marker == 0xD9:
			return nil
		case marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7):
			i += 2
			continue
		}
		length := int(data[i+2])<<8 | int(data[i+3])
		if length < 2 || i+2+length > len(data) {
			return nil
		}
		if marker == 0xE1 && length >= 8 && bytes.Equal(data[i+4:i+10], exifHeader) {
			return data[i : i+2+length]
		}
		i += 2 + length
	}
	return nil
}

// withSegment вставляет seg сразу после SOI.
func withSegment(jpeg, seg []byte) []byte {
	if len(seg) == 0 || len(jpeg) < 2 {
		return jpeg
	}
	out := make([]byte, 0, len(jpeg)+len(seg))
	out = append(out, jpeg[:2]...)
	out = append(out, seg...)
	return append(out, jpeg[2:]...)
}

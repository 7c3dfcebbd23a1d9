package aggregation

// BuildSignerBitmap creates a bitmap indicating which members signed.
// indices contains the member indices that signed, total is the member count.
func BuildSignerBitmap(indices []int, total int) [BitmapSize]byte {
	var bitmap [BitmapSize]byte

	for _, idx := range indices {
		if idx >= 0 && idx < total && idx < BitmapSize*8 {
			bitmap[idx/8] |= 1 << (idx % 8)
		}
	}

	return bitmap
}

// ParseSignerBitmap extracts the member indices from a bitmap in ascending order.
func ParseSignerBitmap(bitmap []byte) []int {
	var indices []int

	for byteIdx, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}

	return indices
}

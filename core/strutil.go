package core

// itoa formats n without pulling fmt into the firmware image
func itoa(n int) string {
	if n < 0 {
		return "-" + utoa64(uint64(-int64(n)))
	}
	return utoa64(uint64(n))
}

func utoa(n uint32) string {
	return utoa64(uint64(n))
}

func utoa64(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[pos:])
}

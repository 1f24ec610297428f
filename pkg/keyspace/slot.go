package keyspace

import "strings"

// slotCount is the number of hash slots in a Redis cluster.
const slotCount = 16384

// HashTag extracts the hash-tag substring of a key: the text between the
// first '{' and the first following '}'. Per the cluster spec, an empty tag
// ("{}") means the whole key is hashed.
func HashTag(key string) string {
	open := strings.IndexByte(key, '{')
	if open < 0 {
		return key
	}
	close := strings.IndexByte(key[open+1:], '}')
	if close < 0 {
		return key
	}
	tag := key[open+1 : open+1+close]
	if tag == "" {
		return key
	}
	return tag
}

// Slot computes the cluster slot a key maps to: CRC16-XMODEM of the hash tag
// modulo 16384.
func Slot(key string) uint16 {
	return crc16([]byte(HashTag(key))) % slotCount
}

// crc16 implements CRC16-CCITT (XMODEM variant), polynomial 0x1021,
// initial value 0x0000 — the function Redis cluster uses for key slots.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package mnemonic encodes wallet seed entropy as a 15-word mnemonic. The
// words carry the entropy, the day the seed was created, and a short
// checksum. The birthday bounds how far back restoration has to look when
// reconciling old quotes.
package mnemonic

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cashport.org/cashport/pay/encode"
	"github.com/bisoncraft/go-bip39/wordlists"
)

const (
	entropyBytes  = 18 // 144 bits
	timeBytes     = 2
	checksumBits  = 5
	wordBits      = 11
	seedWords     = 15 // (144 + 16 + 5) / 11
	secondsPerDay = 86_400
)

// wordList is the standard English list, sorted, 2048 words.
var wordList = wordlists.English

// New generates new random entropy and a mnemonic seed that encodes the
// entropy, the current time, and a checksum.
func New() ([]byte, string) {
	entropy := encode.RandomBytes(entropyBytes)
	return entropy, encodeMnemonic(entropy, time.Now())
}

// GenerateMnemonic generates a mnemonic seed from the entropy and time. The
// encoded time is truncated to the start of the day, so the time recovered
// by DecodeMnemonic will generally be earlier than the time passed here.
func GenerateMnemonic(entropy []byte, stamp time.Time) (string, error) {
	if len(entropy) != entropyBytes {
		return "", fmt.Errorf("entropy must be %d bytes", entropyBytes)
	}
	return encodeMnemonic(entropy, stamp), nil
}

// DecodeMnemonic decodes the entropy and creation time from the mnemonic
// seed and validates the checksum.
func DecodeMnemonic(mnemonic string) ([]byte, time.Time, error) {
	words := strings.Fields(mnemonic)
	if len(words) != seedWords {
		return nil, time.Time{}, fmt.Errorf("expected %d words, got %d", seedWords, len(words))
	}
	const payloadBytes = entropyBytes + timeBytes
	buf := make([]byte, payloadBytes+1) // trailing byte holds the checksum bits
	for i, word := range words {
		idx, err := wordIndex(word)
		if err != nil {
			return nil, time.Time{}, err
		}
		writeBits(buf, i*wordBits, wordBits, idx)
	}
	gotChecksum := buf[payloadBytes] >> (8 - checksumBits)
	h := sha256.Sum256(buf[:payloadBytes])
	if gotChecksum != h[0]>>(8-checksumBits) {
		return nil, time.Time{}, errors.New("checksum mismatch")
	}
	entropy := buf[:entropyBytes]
	days := binary.BigEndian.Uint16(buf[entropyBytes:payloadBytes])
	return entropy, time.Unix(int64(days)*secondsPerDay, 0), nil
}

// encodeMnemonic packs entropy, day stamp, and checksum into 11-bit word
// indices. The entropy length is assumed to be correct.
func encodeMnemonic(entropy []byte, stamp time.Time) string {
	const payloadBytes = entropyBytes + timeBytes
	buf := make([]byte, payloadBytes+1)
	copy(buf, entropy)
	binary.BigEndian.PutUint16(buf[entropyBytes:], uint16(stamp.Unix()/secondsPerDay))
	h := sha256.Sum256(buf[:payloadBytes])
	buf[payloadBytes] = h[0] &^ (0xff >> checksumBits)

	words := make([]string, seedWords)
	for i := range words {
		words[i] = wordList[readBits(buf, i*wordBits, wordBits)]
	}
	return strings.Join(words, " ")
}

// readBits reads w bits of buf starting at bit offset off, most significant
// bit first.
func readBits(buf []byte, off, w int) (v uint16) {
	for i := off; i < off+w; i++ {
		bit := buf[i/8] >> (7 - i%8) & 1
		v = v<<1 | uint16(bit)
	}
	return v
}

// writeBits writes the low w bits of v into buf starting at bit offset off,
// most significant bit first. The target bits must be zero.
func writeBits(buf []byte, off, w int, v uint16) {
	for i := 0; i < w; i++ {
		if v>>(w-1-i)&1 != 0 {
			buf[(off+i)/8] |= 1 << (7 - (off+i)%8)
		}
	}
}

func wordIndex(word string) (uint16, error) {
	i := sort.SearchStrings(wordList, word)
	if i == len(wordList) || wordList[i] != word {
		return 0, fmt.Errorf("unknown seed word %q", word)
	}
	return uint16(i), nil
}

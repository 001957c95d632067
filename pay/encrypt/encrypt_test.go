// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package encrypt

import (
	"bytes"
	"math/rand"
	"testing"

	"cashport.org/cashport/pay/encode"
)

var (
	copyB = encode.CopySlice
	randB = encode.RandomBytes
)

func TestDecrypt(t *testing.T) {
	crypter := NewCrypter("4kliaOCha2")
	thing := randB(50)
	encThing, err := crypter.Encrypt(thing)
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}

	reCheck := func() {
		reThing, err := crypter.Decrypt(encThing)
		if err != nil {
			t.Fatalf("Decrypt error: %v", err)
		}
		if !bytes.Equal(thing, reThing) {
			t.Fatalf("%x != %x", thing, reThing)
		}
	}
	reCheck()

	// Shorter than a nonce.
	_, err = crypter.Decrypt(encThing[:10])
	if err == nil {
		t.Fatalf("no error for truncated ciphertext")
	}
	reCheck()

	// Corrupted ciphertext.
	badThing := copyB(encThing)
	badThing[len(badThing)-1] ^= 0xff
	_, err = crypter.Decrypt(badThing)
	if err == nil {
		t.Fatalf("no error for corrupted ciphertext")
	}
	reCheck()

	// Corrupted nonce.
	badThing = copyB(encThing)
	badThing[0] ^= 0xff
	_, err = crypter.Decrypt(badThing)
	if err == nil {
		t.Fatalf("no error for corrupted nonce")
	}
	reCheck()
}

func TestDecryptBatch(t *testing.T) {
	crypter := NewCrypter("20O6KcujCU")
	things := make([][]byte, 5)
	encThings := make([][]byte, 5)
	for i := range things {
		things[i] = randB(25)
		var err error
		encThings[i], err = crypter.Encrypt(things[i])
		if err != nil {
			t.Fatalf("Encrypt error: %v", err)
		}
	}
	reThings, err := crypter.DecryptBatch(encThings)
	if err != nil {
		t.Fatalf("DecryptBatch error: %v", err)
	}
	for i := range things {
		if !bytes.Equal(things[i], reThings[i]) {
			t.Fatalf("batch entry %d: %x != %x", i, things[i], reThings[i])
		}
	}

	// One bad entry fails the batch.
	encThings[2] = encThings[2][:5]
	if _, err = crypter.DecryptBatch(encThings); err == nil {
		t.Fatalf("no error for batch with truncated entry")
	}
}

func TestSerialize(t *testing.T) {
	pw := "20O6KcujCU"
	crypter := NewCrypter(pw)
	thing := randB(50)
	encThing, err := crypter.Encrypt(thing)
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	serializedCrypter := crypter.Serialize()
	if len(serializedCrypter) != serializedLen {
		t.Fatalf("serialized to %d bytes, expected %d", len(serializedCrypter), serializedLen)
	}
	reCheck := func(tag string) {
		reCrypter, err := Deserialize(pw, serializedCrypter)
		if err != nil {
			t.Fatalf("%s: reCheck deserialization error: %v", tag, err)
		}
		reThing, err := reCrypter.Decrypt(encThing)
		if err != nil {
			t.Fatalf("%s: reCrypter failed to decrypt thing: %v", tag, err)
		}
		if !bytes.Equal(reThing, thing) {
			t.Fatalf("%s: reCrypter's decoded thing is messed up: %x != %x", tag, reThing, thing)
		}
	}
	reCheck("first")

	// Can't deserialize with the wrong password.
	_, err = Deserialize("wrong password", serializedCrypter)
	if err == nil {
		t.Fatalf("no Deserialize error for wrong password")
	}
	reCheck("after wrong password")

	// Appended bytes change the length.
	badCrypter := append(copyB(serializedCrypter), 5)
	_, err = Deserialize(pw, badCrypter)
	if err == nil {
		t.Fatalf("no Deserialize error for extended blob")
	}
	reCheck("after extended blob")

	// Version 1 not known.
	badCrypter = copyB(serializedCrypter)
	badCrypter[0] = 1
	_, err = Deserialize(pw, badCrypter)
	if err == nil {
		t.Fatalf("no Deserialize error for blob from the future")
	}
	reCheck("after future version")

	// A flipped salt byte changes the derived key, which the authenticator
	// catches.
	badCrypter = copyB(serializedCrypter)
	badCrypter[1] ^= 0xff
	_, err = Deserialize(pw, badCrypter)
	if err == nil {
		t.Fatalf("no Deserialize error for corrupted salt")
	}
	reCheck("after corrupted salt")
}

func TestClose(t *testing.T) {
	crypter := NewCrypter("hDieAybqBB")
	thing := randB(50)
	encThing, err := crypter.Encrypt(thing)
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	crypter.Close()
	reThing, err := crypter.Decrypt(encThing)
	if err == nil && bytes.Equal(reThing, thing) {
		t.Fatalf("decrypted with a closed crypter")
	}
}

func TestRandomness(t *testing.T) {
	crypter := NewCrypter("hDieAybqBB")
	numToDo := 1000
	if testing.Short() {
		numToDo /= 10
	}
	for i := 0; i < numToDo; i++ {
		thing := randB(rand.Intn(100))
		encThing, err := crypter.Encrypt(thing)
		if err != nil {
			t.Fatalf("error encrypting %x", thing)
		}
		reThing, err := crypter.Decrypt(encThing)
		if err != nil {
			t.Fatalf("error decrypting %x, which is encrypted %x", encThing, thing)
		}
		if !bytes.Equal(thing, reThing) {
			t.Fatalf("decrypted %x is different than encrypted %x", reThing, thing)
		}
	}
}

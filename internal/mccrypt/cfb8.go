package mccrypt

import "crypto/cipher"

// CFB8 is the 8-bit cipher feedback mode Minecraft uses for encrypted
// streams. The standard library only provides full-block CFB, so the
// single-byte shift register is implemented here. CFB8 satisfies
// cipher.Stream and composes with cipher.StreamReader/StreamWriter.
type CFB8 struct {
	block     cipher.Block
	shift     []byte
	keyStream []byte
	decrypt   bool
}

var _ cipher.Stream = (*CFB8)(nil)

func newCFB8(block cipher.Block, iv []byte, decrypt bool) *CFB8 {
	shift := make([]byte, block.BlockSize())
	copy(shift, iv)
	return &CFB8{
		block:     block,
		shift:     shift,
		keyStream: make([]byte, block.BlockSize()),
		decrypt:   decrypt,
	}
}

func NewCFB8Encrypter(block cipher.Block, iv []byte) *CFB8 {
	return newCFB8(block, iv, false)
}

func NewCFB8Decrypter(block cipher.Block, iv []byte) *CFB8 {
	return newCFB8(block, iv, true)
}

func (c *CFB8) XORKeyStream(dst, src []byte) {
	for i := range src {
		c.block.Encrypt(c.keyStream, c.shift)
		in := src[i]
		out := in ^ c.keyStream[0]
		feedback := out
		if c.decrypt {
			feedback = in
		}
		copy(c.shift, c.shift[1:])
		c.shift[len(c.shift)-1] = feedback
		dst[i] = out
	}
}

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestByteTokenizer_RoundTrip(t *testing.T) {
	tok := ByteTokenizer{}
	text := "hello, runtime"
	ids := tok.Encode(text)
	assert.Len(t, ids, len(text))
	assert.Equal(t, text, tok.Decode(ids))
}

func TestByteTokenizer_SkipsSpecialsOnDecode(t *testing.T) {
	tok := ByteTokenizer{}
	ids := append(tok.Encode("ab"), tok.EOSTokenID(), tok.PadTokenID(), -1)
	assert.Equal(t, "ab", tok.Decode(ids))
}

func TestByteTokenizer_Specials(t *testing.T) {
	tok := ByteTokenizer{}
	assert.Equal(t, 256, tok.EOSTokenID())
	assert.Equal(t, 257, tok.BOSTokenID())
	assert.Equal(t, 258, tok.PadTokenID())
	assert.Equal(t, 259, tok.VocabSize())
}

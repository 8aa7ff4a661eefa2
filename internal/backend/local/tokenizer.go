package local

// Tokenizer converts between text and token IDs.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
	EOS() int
}

const (
	bosTokenID = 1
	eosTokenID = 2
	byteOffset = 3
)

// ByteTokenizer maps every byte to its own token. IDs below byteOffset are
// reserved for special tokens.
type ByteTokenizer struct{}

func (ByteTokenizer) Encode(text string) []int {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i]) + byteOffset
	}
	return ids
}

func (ByteTokenizer) Decode(ids []int) string {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id < byteOffset || id >= byteOffset+256 {
			continue
		}
		buf = append(buf, byte(id-byteOffset))
	}
	return string(buf)
}

func (ByteTokenizer) EOS() int { return eosTokenID }

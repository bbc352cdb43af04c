// Package tokenizer encodes prompts against the vocabulary stored in a GGUF
// header.
package tokenizer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/23skdu/longbow-xlora/internal/gguf"
)

// Space markers used by SentencePiece and byte-level BPE vocabularies.
const (
	spmSpace = "▁"
	bpeSpace = "Ġ"
)

type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int32
	Unk    int32
	Bos    int32

	space  string
	maxLen int
}

// New loads the vocabulary of the GGUF file at path.
func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return FromFile(f)
}

// FromFile builds a tokenizer from tokenizer.ggml.* metadata.
func FromFile(f *gguf.File) (*Tokenizer, error) {
	val, ok := f.KV["tokenizer.ggml.tokens"]
	if !ok {
		return nil, fmt.Errorf("tokenizer.ggml.tokens not found in GGUF")
	}
	arr, ok := val.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("invalid type for tokenizer.ggml.tokens")
	}

	t := &Tokenizer{
		Tokens: make([]string, len(arr)),
		Vocab:  make(map[string]int32, len(arr)),
		Unk:    -1,
		Bos:    -1,
		space:  " ",
	}
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("token %d is not a string", i)
		}
		t.Tokens[i] = s
		if _, dup := t.Vocab[s]; !dup {
			t.Vocab[s] = int32(i)
		}
		t.maxLen = max(t.maxLen, len(s))
		switch {
		case strings.HasPrefix(s, spmSpace):
			t.space = spmSpace
		case strings.HasPrefix(s, bpeSpace) && t.space != spmSpace:
			t.space = bpeSpace
		}
	}
	if id, ok := tokenID(f.KV["tokenizer.ggml.unknown_token_id"]); ok && int(id) < len(arr) {
		t.Unk = id
	}
	if id, ok := tokenID(f.KV["tokenizer.ggml.bos_token_id"]); ok && int(id) < len(arr) {
		t.Bos = id
	}
	return t, nil
}

func tokenID(v interface{}) (int32, bool) {
	switch id := v.(type) {
	case uint32:
		return int32(id), true
	case int32:
		return id, id >= 0
	case uint64:
		return int32(id), true
	}
	return 0, false
}

// Encode splits text into the longest vocabulary pieces, left to right.
// Spaces are mapped to the vocabulary's space marker. Runes with no piece
// map to the unknown token or are dropped when there is none.
func (t *Tokenizer) Encode(text string) []int32 {
	s := strings.ReplaceAll(strings.TrimSpace(text), " ", t.space)
	if t.space != " " && s != "" {
		s = t.space + s
	}

	var ids []int32
	if t.Bos >= 0 {
		ids = append(ids, t.Bos)
	}
	for len(s) > 0 {
		n := min(len(s), t.maxLen)
		for ; n > 0; n-- {
			if id, ok := t.Vocab[s[:n]]; ok {
				ids = append(ids, id)
				break
			}
		}
		if n == 0 {
			_, n = utf8.DecodeRuneInString(s)
			if t.Unk >= 0 {
				ids = append(ids, t.Unk)
			}
		}
		s = s[n:]
	}
	return ids
}

func (t *Tokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || int(id) >= len(t.Tokens) || id == t.Bos {
			continue
		}
		sb.WriteString(t.Tokens[id])
	}
	out := sb.String()
	if t.space != " " {
		out = strings.ReplaceAll(out, t.space, " ")
	}
	return strings.TrimPrefix(out, " ")
}

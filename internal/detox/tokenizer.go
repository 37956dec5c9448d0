package detox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Tokenizer turns text into fixed-length input_ids and attention_mask rows.
type Tokenizer interface {
	Encode(text string, seqLen int) ([]int64, []int64)
}

// specialIDs holds the framing token ids for one vocabulary. BERT-family
// vocabularies use [CLS]/[SEP]/[PAD]/[UNK], XLM-R uses <s>/</s>/<pad>/<unk>.
type specialIDs struct {
	cls int64
	sep int64
	pad int64
	unk int64
}

var specialNames = map[string][]string{
	"cls": {"[CLS]", "<s>"},
	"sep": {"[SEP]", "</s>"},
	"pad": {"[PAD]", "<pad>"},
	"unk": {"[UNK]", "<unk>"},
}

func lookupSpecial(vocab map[string]int64, kind string) int64 {
	for _, name := range specialNames[kind] {
		if id, ok := vocab[name]; ok {
			return id
		}
	}
	return -1
}

func specialsFromVocab(vocab map[string]int64) specialIDs {
	return specialIDs{
		cls: lookupSpecial(vocab, "cls"),
		sep: lookupSpecial(vocab, "sep"),
		pad: lookupSpecial(vocab, "pad"),
		unk: lookupSpecial(vocab, "unk"),
	}
}

// frame wraps body ids with cls/sep, truncates to seqLen and pads the rest.
// The sep token is kept when the body is truncated.
func (s specialIDs) frame(body []int64, seqLen int) ([]int64, []int64) {
	ids := make([]int64, seqLen)
	attn := make([]int64, seqLen)

	reserved := 0
	if s.cls >= 0 {
		reserved++
	}
	if s.sep >= 0 {
		reserved++
	}
	if limit := seqLen - reserved; len(body) > limit {
		if limit < 0 {
			limit = 0
		}
		body = body[:limit]
	}

	pos := 0
	put := func(id int64) {
		if pos < seqLen {
			ids[pos] = id
			attn[pos] = 1
			pos++
		}
	}
	if s.cls >= 0 {
		put(s.cls)
	}
	for _, id := range body {
		put(id)
	}
	if s.sep >= 0 {
		put(s.sep)
	}

	pad := s.pad
	if pad < 0 {
		pad = 0
	}
	for ; pos < seqLen; pos++ {
		ids[pos] = pad
	}
	return ids, attn
}

// WordPiece is a minimal BERT-compatible tokenizer.
type WordPiece struct {
	vocab        map[string]int64
	lowerCase    bool
	continuation string
	specials     specialIDs
}

// LoadWordPiece builds a WordPiece tokenizer from vocab.txt.
func LoadWordPiece(path string) (*WordPiece, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var idx int64
	for sc.Scan() {
		token := strings.TrimSpace(sc.Text())
		if token == "" {
			continue
		}
		vocab[token] = idx
		idx++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan vocab: %w", err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("vocab %s is empty", path)
	}
	return newWordPiece(vocab), nil
}

func newWordPiece(vocab map[string]int64) *WordPiece {
	specials := specialsFromVocab(vocab)
	if specials.unk < 0 {
		specials.unk = 0
	}
	return &WordPiece{
		vocab:        vocab,
		lowerCase:    true,
		continuation: "##",
		specials:     specials,
	}
}

// Encode converts text into token ids and an attention mask of length seqLen.
func (t *WordPiece) Encode(text string, seqLen int) ([]int64, []int64) {
	if seqLen <= 0 {
		return nil, nil
	}
	var body []int64
	for _, w := range strings.Fields(text) {
		if t.lowerCase {
			w = strings.ToLower(w)
		}
		body = append(body, t.pieces(w)...)
		if len(body) >= seqLen {
			break
		}
	}
	return t.specials.frame(body, seqLen)
}

func (t *WordPiece) pieces(word string) []int64 {
	if id, ok := t.vocab[word]; ok {
		return []int64{id}
	}
	var out []int64
	start := 0
	for start < len(word) {
		end := len(word)
		matched := false
		for end > start {
			sub := word[start:end]
			if start > 0 {
				sub = t.continuation + sub
			}
			if id, ok := t.vocab[sub]; ok {
				out = append(out, id)
				start = end
				matched = true
				break
			}
			end--
		}
		if !matched {
			return []int64{t.specials.unk}
		}
	}
	return out
}

// Unigram is a SentencePiece-style unigram tokenizer (XLM-R vocabularies).
type Unigram struct {
	scores       []float64
	unkID        int64
	unkScore     float64
	byteFallback bool
	byteTokens   map[byte]int64
	specials     specialIDs
	trie         *trieNode
}

type trieNode struct {
	children map[byte]*trieNode
	tokenID  int64
	score    float64
}

func newUnigram(tokens []string, scores []float64, unkID int64, byteFallback bool, specials specialIDs) *Unigram {
	t := &Unigram{
		scores:       scores,
		unkID:        unkID,
		byteFallback: byteFallback,
		specials:     specials,
		byteTokens:   map[byte]int64{},
		trie:         &trieNode{tokenID: -1},
	}
	if t.unkID < 0 {
		t.unkID = specials.unk
	}
	t.specials.unk = t.unkID
	if t.unkID >= 0 && int(t.unkID) < len(scores) {
		t.unkScore = scores[t.unkID]
	}
	for id, tok := range tokens {
		t.insert(tok, int64(id))
		if len(tok) == 6 && strings.HasPrefix(tok, "<0x") && strings.HasSuffix(tok, ">") {
			var b byte
			if n, err := fmt.Sscanf(tok[3:5], "%02X", &b); err == nil && n == 1 {
				t.byteTokens[b] = int64(id)
			}
		}
	}
	return t
}

func (t *Unigram) insert(token string, id int64) {
	if token == "" {
		return
	}
	node := t.trie
	for i := 0; i < len(token); i++ {
		if node.children == nil {
			node.children = make(map[byte]*trieNode)
		}
		child := node.children[token[i]]
		if child == nil {
			child = &trieNode{tokenID: -1}
			node.children[token[i]] = child
		}
		node = child
	}
	node.tokenID = id
	if int(id) < len(t.scores) {
		node.score = t.scores[id]
	}
}

// Encode converts text into token ids and an attention mask of length seqLen.
func (t *Unigram) Encode(text string, seqLen int) ([]int64, []int64) {
	if seqLen <= 0 {
		return nil, nil
	}
	return t.specials.frame(t.tokenize(text), seqLen)
}

var collapseWhitespace = regexp.MustCompile(`\s+`)

const metaspace = "▁"

func (t *Unigram) tokenize(text string) []int64 {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil
	}
	s = collapseWhitespace.ReplaceAllString(s, " ")
	s = metaspace + strings.ReplaceAll(s, " ", metaspace)

	// Viterbi over byte positions: best[i] is the best log-probability of a
	// segmentation of input[:i].
	input := []byte(s)
	n := len(input)
	best := make([]float64, n+1)
	from := make([]int, n+1)
	via := make([]int64, n+1)
	for i := 1; i <= n; i++ {
		best[i] = math.Inf(-1)
		from[i] = -1
	}
	relax := func(i, j int, id int64, score float64) {
		if cand := best[i] + score; cand > best[j] {
			best[j] = cand
			from[j] = i
			via[j] = id
		}
	}
	for i := 0; i < n; i++ {
		if math.IsInf(best[i], -1) {
			continue
		}
		matched := false
		node := t.trie
		for j := i; j < n; j++ {
			node = node.children[input[j]]
			if node == nil {
				break
			}
			if node.tokenID >= 0 {
				matched = true
				relax(i, j+1, node.tokenID, node.score)
			}
		}
		if matched {
			continue
		}
		if t.byteFallback {
			if id, ok := t.byteTokens[input[i]]; ok {
				relax(i, i+1, id, t.scoreFor(id))
				continue
			}
		}
		if t.unkID >= 0 {
			relax(i, i+1, t.unkID, t.unkScore)
		}
	}
	if math.IsInf(best[n], -1) {
		return nil
	}

	var out []int64
	for pos := n; pos > 0; {
		p := from[pos]
		if p < 0 || p >= pos {
			out = append(out, t.unkID)
			pos--
			continue
		}
		// Consecutive unknown bytes collapse into a single unk token.
		if via[pos] == t.unkID && len(out) > 0 && out[len(out)-1] == t.unkID {
			pos = p
			continue
		}
		out = append(out, via[pos])
		pos = p
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (t *Unigram) scoreFor(id int64) float64 {
	if id >= 0 && int(id) < len(t.scores) {
		return t.scores[id]
	}
	return 0
}

// LoadTokenizer loads a tokenizer from vocab.txt or tokenizer.json found in
// dir or dir/tokenizer.
func LoadTokenizer(dir string) (Tokenizer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("tokenizer dir is empty")
	}
	for _, path := range []string{
		filepath.Join(dir, "tokenizer.json"),
		filepath.Join(dir, "tokenizer", "tokenizer.json"),
	} {
		if _, err := os.Stat(path); err == nil {
			return loadTokenizerJSON(path)
		}
	}
	for _, path := range []string{
		filepath.Join(dir, "vocab.txt"),
		filepath.Join(dir, "tokenizer", "vocab.txt"),
	} {
		if _, err := os.Stat(path); err == nil {
			return LoadWordPiece(path)
		}
	}
	return nil, fmt.Errorf("tokenizer assets not found in %s (tokenizer.json or vocab.txt)", dir)
}

type tokenizerFile struct {
	Model struct {
		Type         string `json:"type"`
		Vocab        any    `json:"vocab"`
		UnkID        *int64 `json:"unk_id"`
		ByteFallback bool   `json:"byte_fallback"`
	} `json:"model"`
	PostProcessor struct {
		// RobertaProcessing / BertProcessing: ["<s>", 0]
		CLS []any `json:"cls"`
		SEP []any `json:"sep"`
		// TemplateProcessing
		SpecialTokens map[string]struct {
			IDs []int64 `json:"ids"`
		} `json:"special_tokens"`
	} `json:"post_processor"`
}

func loadTokenizerJSON(path string) (Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer.json: %w", err)
	}
	var raw tokenizerFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode tokenizer.json: %w", err)
	}

	if strings.EqualFold(strings.TrimSpace(raw.Model.Type), "unigram") {
		tokens, scores := unigramVocab(raw.Model.Vocab)
		if len(tokens) == 0 {
			return nil, fmt.Errorf("tokenizer.json missing vocab")
		}
		vocab := make(map[string]int64, len(tokens))
		for i, tok := range tokens {
			if _, dup := vocab[tok]; !dup {
				vocab[tok] = int64(i)
			}
		}
		specials := specialsFromVocab(vocab)
		raw.applySpecials(&specials)
		unk := int64(-1)
		if raw.Model.UnkID != nil {
			unk = *raw.Model.UnkID
		}
		return newUnigram(tokens, scores, unk, raw.Model.ByteFallback, specials), nil
	}

	vocab := vocabFromAny(raw.Model.Vocab)
	if len(vocab) == 0 {
		return nil, fmt.Errorf("tokenizer.json missing vocab")
	}
	tok := newWordPiece(vocab)
	raw.applySpecials(&tok.specials)
	return tok, nil
}

func (f *tokenizerFile) applySpecials(s *specialIDs) {
	if id, ok := pairID(f.PostProcessor.CLS); ok {
		s.cls = id
	}
	if id, ok := pairID(f.PostProcessor.SEP); ok {
		s.sep = id
	}
	for name, meta := range f.PostProcessor.SpecialTokens {
		if len(meta.IDs) == 0 {
			continue
		}
		switch name {
		case "[CLS]", "<s>":
			s.cls = meta.IDs[0]
		case "[SEP]", "</s>":
			s.sep = meta.IDs[0]
		}
	}
}

func pairID(pair []any) (int64, bool) {
	if len(pair) < 2 {
		return 0, false
	}
	return asInt64(pair[1])
}

func unigramVocab(raw any) ([]string, []float64) {
	items, ok := raw.([]any)
	if !ok {
		return nil, nil
	}
	tokens := make([]string, len(items))
	scores := make([]float64, len(items))
	for i, item := range items {
		pair, ok := item.([]any)
		if !ok || len(pair) < 2 {
			continue
		}
		token, _ := pair[0].(string)
		score, _ := pair[1].(float64)
		tokens[i] = token
		scores[i] = score
	}
	return tokens, scores
}

func vocabFromAny(raw any) map[string]int64 {
	v, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]int64, len(v))
	for k, val := range v {
		if num, ok := asInt64(val); ok {
			out[k] = num
		}
	}
	return out
}

func asInt64(v any) (int64, bool) {
	switch num := v.(type) {
	case float64:
		return int64(num), true
	case int64:
		return num, true
	case int:
		return int64(num), true
	default:
		return 0, false
	}
}

package srv

import (
	"bufio"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
)

const (
	minSyllableLen = 2
	maxSyllableLen = 4
)

var (
	// ErrDictNotFound is returned when the dictionary file does not exist.
	ErrDictNotFound = errors.New("dictionary file not found")
	// ErrRebuildFailed signals that a word mutation reached disk but the
	// index rebuild failed; the previous index stays in place.
	ErrRebuildFailed = errors.New("index rebuild failed")
)

// dictIndex is one immutable snapshot of the syllable index. Readers get
// the whole snapshot through an atomic pointer; rebuilds swap it.
type dictIndex struct {
	counts  map[int]map[string]int // length -> syllable -> distinct word count
	samples map[string][]string    // "L:SYL" -> up to sampleCap words
	members map[uint32]struct{}    // 32-bit hashes of all words
	exact   map[string]struct{}    // full word set, only in strict mode
	lines   int
}

// Dictionary owns the dictionary file and the current index snapshot.
type Dictionary struct {
	mu        sync.Mutex // serializes builds and file writes
	idx       atomic.Pointer[dictIndex]
	path      string
	sampleCap int
	strict    bool
}

// NewDictionary creates a Dictionary for the given file. The index is
// empty until Build succeeds.
func NewDictionary(path string, sampleCap int, strict bool) *Dictionary {
	if sampleCap <= 0 {
		sampleCap = 30
	}
	return &Dictionary{path: path, sampleCap: sampleCap, strict: strict}
}

// Ready reports whether an index has been built.
func (d *Dictionary) Ready() bool {
	return d.idx.Load() != nil
}

// hashWord computes the 32-bit FNV-1a hash used for membership.
func hashWord(word string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(word))
	return h.Sum32()
}

// normalizeWord trims and uppercases a dictionary line.
func normalizeWord(line string) string {
	return strings.ToUpper(strings.TrimSpace(line))
}

func allLetters(runes []rune) bool {
	for _, r := range runes {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// wordSyllables enumerates the distinct all-letter substrings of each
// hyphen part of word, grouped by length. A syllable appears once per
// word no matter how many times it occurs.
func wordSyllables(word string) map[int]map[string]struct{} {
	out := make(map[int]map[string]struct{}, maxSyllableLen-minSyllableLen+1)
	for _, part := range strings.Split(word, "-") {
		runes := []rune(part)
		for l := minSyllableLen; l <= maxSyllableLen; l++ {
			if len(runes) < l {
				continue
			}
			for i := 0; i+l <= len(runes); i++ {
				sub := runes[i : i+l]
				if !allLetters(sub) {
					continue
				}
				if out[l] == nil {
					out[l] = make(map[string]struct{})
				}
				out[l][string(sub)] = struct{}{}
			}
		}
	}
	return out
}

// Build reads the dictionary file and swaps in a fresh index. On any
// failure the previous index remains valid. Returns the number of lines
// processed.
func (d *Dictionary) Build() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buildLocked()
}

func (d *Dictionary) buildLocked() (int, error) {
	start := time.Now()
	f, err := os.Open(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrDictNotFound, d.path)
		}
		return 0, fmt.Errorf("open dictionary: %w", err)
	}
	defer f.Close()

	idx := &dictIndex{
		counts:  make(map[int]map[string]int),
		samples: make(map[string][]string),
		members: make(map[uint32]struct{}),
	}
	for l := minSyllableLen; l <= maxSyllableLen; l++ {
		idx.counts[l] = make(map[string]int)
	}
	if d.strict {
		idx.exact = make(map[string]struct{})
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		word := normalizeWord(scanner.Text())
		if word == "" {
			continue
		}
		idx.lines++
		idx.members[hashWord(word)] = struct{}{}
		if idx.exact != nil {
			idx.exact[word] = struct{}{}
		}
		for l, syls := range wordSyllables(word) {
			for syl := range syls {
				idx.counts[l][syl]++
				key := sampleKey(l, syl)
				if len(idx.samples[key]) < d.sampleCap {
					idx.samples[key] = append(idx.samples[key], word)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read dictionary: %w", err)
	}

	d.idx.Store(idx)
	slog.Info("dictionary index built",
		"lines", idx.lines,
		"syllables2", len(idx.counts[2]),
		"syllables3", len(idx.counts[3]),
		"syllables4", len(idx.counts[4]),
		"elapsed", time.Since(start))
	return idx.lines, nil
}

func sampleKey(l int, syl string) string {
	return fmt.Sprintf("%d:%s", l, syl)
}

// Contains reports dictionary membership for a word. Membership is by
// 32-bit hash unless strict mode holds the exact word set.
func (d *Dictionary) Contains(word string) bool {
	idx := d.idx.Load()
	if idx == nil {
		return false
	}
	word = normalizeWord(word)
	if idx.exact != nil {
		_, ok := idx.exact[word]
		return ok
	}
	_, ok := idx.members[hashWord(word)]
	return ok
}

// CountFor returns the distinct-word count for a syllable, dispatched by
// its length. ok is false when the length is out of range or no index is
// built.
func (d *Dictionary) CountFor(syl string) (count int, ok bool) {
	idx := d.idx.Load()
	if idx == nil {
		return 0, false
	}
	l := len([]rune(syl))
	m, ok := idx.counts[l]
	if !ok {
		return 0, false
	}
	return m[strings.ToUpper(syl)], true
}

// CountsForLength returns a copy of the syllable -> count map for one
// length, or nil when unavailable.
func (d *Dictionary) CountsForLength(l int) map[string]int {
	idx := d.idx.Load()
	if idx == nil {
		return nil
	}
	m, ok := idx.counts[l]
	if !ok {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SamplesFor returns up to limit sample words containing the syllable.
func (d *Dictionary) SamplesFor(l int, syl string, limit int) []string {
	idx := d.idx.Load()
	if idx == nil {
		return nil
	}
	words := idx.samples[sampleKey(l, strings.ToUpper(syl))]
	if limit > 0 && limit < len(words) {
		words = words[:limit]
	}
	out := make([]string, len(words))
	copy(out, words)
	return out
}

// TopSyllables returns the most frequent syllables of one length.
func (d *Dictionary) TopSyllables(l, limit int) []SyllableCount {
	m := d.CountsForLength(l)
	if m == nil {
		return nil
	}
	out := make([]SyllableCount, 0, len(m))
	for syl, count := range m {
		out = append(out, SyllableCount{Syllable: syl, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Syllable < out[j].Syllable
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// SyllableCount pairs a syllable with its distinct word count.
type SyllableCount struct {
	Syllable string `json:"syllable"`
	Count    int    `json:"count"`
}

// ScanContaining searches the sample lists for words containing substr.
// The membership set is hash-only and not enumerable, so this is a
// bounded-cost scan over samples; results are deduplicated.
func (d *Dictionary) ScanContaining(substr string, limit int) []string {
	idx := d.idx.Load()
	if idx == nil {
		return nil
	}
	substr = strings.ToUpper(substr)
	if limit <= 0 {
		limit = 50
	}
	seen := make(map[string]struct{})
	var out []string
	for _, words := range idx.samples {
		for _, w := range words {
			if _, dup := seen[w]; dup {
				continue
			}
			if strings.Contains(w, substr) {
				seen[w] = struct{}{}
				out = append(out, w)
				if len(out) >= limit {
					return out
				}
			}
		}
	}
	return out
}

// AddWord appends a word to the dictionary file and rebuilds the index.
// Returns ErrRebuildFailed (wrapped) when the word reached disk but the
// rebuild failed; the previous index stays active.
func (d *Dictionary) AddWord(word string) error {
	word = normalizeWord(word)
	if word == "" {
		return errors.New("empty word")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(d.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open dictionary for append: %w", err)
	}
	// Append a newline first if the file does not end with one.
	needsNewline := false
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		buf := make([]byte, 1)
		if _, err := f.ReadAt(buf, info.Size()-1); err == nil && buf[0] != '\n' {
			needsNewline = true
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("seek dictionary: %w", err)
	}
	line := word + "\n"
	if needsNewline {
		line = "\n" + line
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("append word: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close dictionary: %w", err)
	}

	if _, err := d.buildLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrRebuildFailed, err)
	}
	return nil
}

// RemoveWord deletes every occurrence of a word from the dictionary file
// and rebuilds the index.
func (d *Dictionary) RemoveWord(word string) error {
	word = normalizeWord(word)
	if word == "" {
		return errors.New("empty word")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrDictNotFound, d.path)
		}
		return fmt.Errorf("read dictionary: %w", err)
	}

	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		if normalizeWord(line) == word {
			continue
		}
		kept = append(kept, line)
	}
	tmp := d.path + ".tmp"
	out := strings.Join(kept, "\n")
	if !strings.HasSuffix(out, "\n") && out != "" {
		out += "\n"
	}
	if err := os.WriteFile(tmp, []byte(out), 0o644); err != nil {
		return fmt.Errorf("write dictionary: %w", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return fmt.Errorf("replace dictionary: %w", err)
	}

	if _, err := d.buildLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrRebuildFailed, err)
	}
	return nil
}

// Path returns the dictionary file path.
func (d *Dictionary) Path() string {
	return filepath.Clean(d.path)
}

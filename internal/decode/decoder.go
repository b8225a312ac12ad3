// Package decode turns raw child-process output into readable text.
//
// Output from automation tools arrives in whatever code page the tool or
// its console happened to use. Decode picks the best candidate encoding
// for a whole chunk; RepairMixedEncoding then fixes individual lines that
// were mangled by a code page switch mid-stream.
package decode

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

// EarlyExitScore is the quality at which a candidate is accepted without
// trying the remaining encodings.
const EarlyExitScore = 0.9

// Candidate is one code page tried by Decode.
type Candidate struct {
	Name     string
	Encoding encoding.Encoding
}

// Candidates are tried in this order. UTF-8 comes first so that valid
// UTF-8 is never replaced by its GBK misreading.
var Candidates = []Candidate{
	{Name: "utf-8", Encoding: unicode.UTF8},
	{Name: "gbk", Encoding: simplifiedchinese.GBK},
	{Name: "gb18030", Encoding: simplifiedchinese.GB18030},
	{Name: "big5", Encoding: traditionalchinese.Big5},
}

// DefaultEncoding names the fallback used when every candidate fails.
const DefaultEncoding = "utf-8"

// Chunk is the decoded form of one raw output chunk.
type Chunk struct {
	Raw      []byte
	Text     string
	Encoding string
	Quality  float64

	// Tried is the number of candidates attempted before a choice was made.
	Tried int
}

// Decode returns the best-effort text for b.
func Decode(b []byte) string {
	return DecodeChunk(b).Text
}

// DecodeChunk decodes b with the first candidate scoring at least
// EarlyExitScore, else the best-scoring candidate. If no candidate can
// decode b at all, b is read as UTF-8 with invalid sequences replaced.
func DecodeChunk(b []byte) Chunk {
	return decodeWith(b, Candidates)
}

func decodeWith(b []byte, candidates []Candidate) Chunk {
	if len(b) == 0 {
		return Chunk{Raw: b, Encoding: DefaultEncoding, Quality: 1}
	}

	best := Chunk{Raw: b, Quality: -1}
	tried := 0

	for _, c := range candidates {
		tried++
		text, err := c.Encoding.NewDecoder().Bytes(b)
		if err != nil {
			continue
		}
		s := string(text)
		score := Quality(s)
		if score > best.Quality {
			best.Text = s
			best.Encoding = c.Name
			best.Quality = score
		}
		if score >= EarlyExitScore {
			break
		}
	}
	best.Tried = tried

	if best.Quality < 0 {
		best.Text = strings.ToValidUTF8(string(b), string(utf8.RuneError))
		best.Encoding = DefaultEncoding
		best.Quality = Quality(best.Text)
	}

	return best
}

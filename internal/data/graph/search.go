package graph

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/yungbote/graphpilot-backend/internal/domain/workflow"
)

// Tokenize lowercases s and splits it on anything that is not a letter or
// digit, so "fetch-api" and "fetch api" share tokens.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// keywordScore counts query tokens found in the node. Key and type hits
// weigh more than body text.
func keywordScore(n workflow.Node, tokens []string) int {
	if len(tokens) == 0 {
		return 0
	}
	head := strings.Join(append(Tokenize(n.Key), Tokenize(n.Type)...), " ")
	body := strings.ToLower(n.Process)
	if len(n.Data) > 0 {
		if raw, err := json.Marshal(n.Data); err == nil {
			body += " " + strings.ToLower(string(raw))
		}
	}
	score := 0
	for _, t := range tokens {
		switch {
		case containsToken(head, t):
			score += 3
		case strings.Contains(body, t):
			score++
		}
	}
	return score
}

func containsToken(joined, tok string) bool {
	for _, f := range strings.Fields(joined) {
		if f == tok {
			return true
		}
	}
	return false
}

func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type scored struct {
	node  workflow.Node
	score float64
}

// rankNodes orders candidates by score, ties by key, and keeps at most limit.
func rankNodes(in []scored, limit int) []workflow.Node {
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].score != in[j].score {
			return in[i].score > in[j].score
		}
		return in[i].node.Key < in[j].node.Key
	})
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	out := make([]workflow.Node, 0, len(in))
	for _, s := range in {
		out = append(out, s.node)
	}
	return out
}

package kinds

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

type record struct {
	Header string
	Seq    string
}

// readFasta reads '>' headed records. Sequence lines are concatenated with
// surrounding whitespace removed; records without sequence are dropped.
func readFasta(r io.Reader) ([]record, error) {
	var (
		out []record
		cur *record
		seq strings.Builder
	)
	flush := func() {
		if cur != nil && seq.Len() > 0 {
			cur.Seq = seq.String()
			out = append(out, *cur)
		}
		seq.Reset()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, ">") {
			flush()
			cur = &record{Header: strings.TrimRight(line, "\r")}
			continue
		}
		seq.WriteString(strings.TrimSpace(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read fasta: %w", err)
	}
	flush()
	return out, nil
}

func writeFasta(records []record) []byte {
	var b bytes.Buffer
	for _, r := range records {
		b.WriteString(r.Header)
		b.WriteByte('\n')
		b.WriteString(r.Seq)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// seedSequences returns the ungapped sequences of the Stockholm block whose
// "#=GF AC" line names acc. Interleaved blocks are joined per sequence name.
func seedSequences(r io.Reader, acc string) ([]record, error) {
	var (
		inBlock bool
		found   bool
		order   []string
		seqs    = map[string]*strings.Builder{}
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.HasPrefix(line, "#=GF AC") {
			fields := strings.Fields(line)
			inBlock = fields[len(fields)-1] == acc
			found = found || inBlock
			continue
		}
		if !inBlock {
			continue
		}
		if strings.HasPrefix(line, "//") {
			inBlock = false
			continue
		}
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		b, ok := seqs[fields[0]]
		if !ok {
			b = &strings.Builder{}
			seqs[fields[0]] = b
			order = append(order, fields[0])
		}
		b.WriteString(strings.Join(fields[1:], ""))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stockholm: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("accession %s not found in seed file", acc)
	}
	out := make([]record, 0, len(order))
	for _, name := range order {
		out = append(out, record{Header: ">" + name, Seq: ungap(seqs[name].String())})
	}
	return out, nil
}

func ungap(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || r == '.' {
			return -1
		}
		return r
	}, s)
}

// toRNA upper-cases s and turns T into U.
func toRNA(s string) string {
	return strings.ReplaceAll(strings.ToUpper(s), "T", "U")
}

func isACGU(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'A', 'C', 'G', 'U':
		default:
			return false
		}
	}
	return true
}

// uniquenize keeps the first record of every distinct sequence.
func uniquenize(records []record) []record {
	seen := make(map[string]struct{}, len(records))
	out := records[:0:0]
	for _, r := range records {
		if _, ok := seen[r.Seq]; ok {
			continue
		}
		seen[r.Seq] = struct{}{}
		out = append(out, r)
	}
	return out
}

type FilterStats struct {
	Found    int
	Seed     int
	Retained int
}

// removeSeed drops every candidate equal to a seed sequence and every
// candidate that is not pure ACGU after RNA normalisation.
func removeSeed(seed, candidates []record) ([]record, FilterStats) {
	seedSet := make(map[string]struct{}, len(seed))
	for _, s := range seed {
		seedSet[toRNA(s.Seq)] = struct{}{}
	}
	stats := FilterStats{Found: len(candidates), Seed: len(seed)}
	var kept []record
	for _, c := range candidates {
		seq := toRNA(c.Seq)
		if _, isSeed := seedSet[seq]; isSeed || !isACGU(seq) {
			continue
		}
		kept = append(kept, record{Header: c.Header, Seq: seq})
	}
	stats.Retained = len(kept)
	return kept, stats
}
